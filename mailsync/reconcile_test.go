package mailsync

import (
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
)

func evidenceLink(kind models.EventKind, at time.Time, event *TypedEvent) models.EvidenceLink {
	payload, _ := json.Marshal(event)
	return models.EvidenceLink{
		EventKind:   kind,
		EventAt:     at,
		PayloadJSON: payload,
	}
}

func TestReconcileChangesAppliesApprovedRequest(t *testing.T) {
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
		Nights:     4,
	}

	request := &TypedEvent{
		Kind:               models.EventKindChangeRequest,
		OriginalCheckinAt:  datePtr(2025, 8, 10),
		OriginalCheckoutAt: datePtr(2025, 8, 14),
		NewCheckinAt:       datePtr(2025, 8, 12),
		NewCheckoutAt:      datePtr(2025, 8, 17),
	}
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindChangeRequest, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), request),
		evidenceLink(models.EventKindModification, time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), &TypedEvent{Kind: models.EventKindModification}),
	}

	if !ReconcileChanges(r, evidence) {
		t.Fatal("expected a change to apply")
	}
	if !sameDay(*r.CheckinAt, time.Date(2025, 8, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("checkin = %v", r.CheckinAt)
	}
	if !sameDay(*r.OriginalCheckinAt, time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("original checkin = %v", r.OriginalCheckinAt)
	}
	if r.Nights != 5 {
		t.Fatalf("nights = %d", r.Nights)
	}
	if !r.HasChanges || r.ChangeCount != 1 || r.LastChangeAt == nil {
		t.Fatalf("bookkeeping: hasChanges=%v count=%d at=%v", r.HasChanges, r.ChangeCount, r.LastChangeAt)
	}
}

func TestReconcileChangesIsIdempotent(t *testing.T) {
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
	}
	request := &TypedEvent{
		Kind:          models.EventKindChangeRequest,
		NewCheckinAt:  datePtr(2025, 8, 12),
		NewCheckoutAt: datePtr(2025, 8, 17),
	}
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindChangeRequest, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), request),
		evidenceLink(models.EventKindModification, time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), &TypedEvent{Kind: models.EventKindModification}),
	}

	if !ReconcileChanges(r, evidence) {
		t.Fatal("first pass should apply")
	}
	if ReconcileChanges(r, evidence) {
		t.Fatal("second pass over same evidence must be a no-op")
	}
	if r.ChangeCount != 1 {
		t.Fatalf("change count = %d", r.ChangeCount)
	}
}

func TestReconcileChangesRequiresLaterModification(t *testing.T) {
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
	}
	request := &TypedEvent{
		Kind:          models.EventKindChangeRequest,
		NewCheckinAt:  datePtr(2025, 8, 12),
		NewCheckoutAt: datePtr(2025, 8, 17),
	}

	// Modification predates the request: not an approval of it.
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindModification, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), &TypedEvent{Kind: models.EventKindModification}),
		evidenceLink(models.EventKindChangeRequest, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), request),
	}

	if ReconcileChanges(r, evidence) {
		t.Fatal("unapproved change request must not apply")
	}
	if r.HasChanges {
		t.Fatal("bookkeeping touched without a change")
	}
}

func TestReconcilePassesStableAfterPayoutCorrection(t *testing.T) {
	// A change-request applies first; payout evidence then moves the dates
	// again. Replaying both passes over the same trail must not see-saw the
	// dates back and forth.
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 7, 5),
		CheckoutAt: datePtr(2025, 7, 9),
		Nights:     4,
	}

	request := &TypedEvent{
		Kind:          models.EventKindChangeRequest,
		NewCheckinAt:  datePtr(2025, 7, 10),
		NewCheckoutAt: datePtr(2025, 7, 13),
	}
	payout := &TypedEvent{
		Kind:       models.EventKindPayout,
		CheckinAt:  datePtr(2025, 7, 20),
		CheckoutAt: datePtr(2025, 7, 23),
	}

	changeLink := evidenceLink(models.EventKindChangeRequest, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), request)
	changeLink.MessageId = "msg-change-1"
	payoutLink := evidenceLink(models.EventKindPayout, time.Date(2025, 7, 25, 0, 0, 0, 0, time.UTC), payout)
	payoutLink.MessageId = "msg-payout-1"
	evidence := []models.EvidenceLink{
		changeLink,
		evidenceLink(models.EventKindModification, time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), &TypedEvent{Kind: models.EventKindModification}),
		payoutLink,
	}

	if !ReconcileChanges(r, evidence) {
		t.Fatal("first pass should apply the approved change")
	}
	if !ReconcilePayoutDates(r, evidence) {
		t.Fatal("payout dates should correct the changed record")
	}
	if !sameDay(*r.CheckinAt, time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("checkin after first run = %v", r.CheckinAt)
	}
	if r.ChangeCount != 2 {
		t.Fatalf("change count after first run = %d", r.ChangeCount)
	}

	if ReconcileChanges(r, evidence) {
		t.Fatal("replay re-applied the change request over the payout correction")
	}
	if ReconcilePayoutDates(r, evidence) {
		t.Fatal("replay re-corrected already-agreeing payout dates")
	}
	if r.ChangeCount != 2 {
		t.Fatalf("change count after replay = %d", r.ChangeCount)
	}
	if !sameDay(*r.CheckinAt, time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("checkin after replay = %v", r.CheckinAt)
	}
	if !sameDay(*r.OriginalCheckinAt, time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("original checkin lost: %v", r.OriginalCheckinAt)
	}
}

func TestReconcilePayoutDatesCorrectsConflict(t *testing.T) {
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
		Nights:     4,
	}
	payout := &TypedEvent{
		Kind:       models.EventKindPayout,
		CheckinAt:  datePtr(2025, 8, 11),
		CheckoutAt: datePtr(2025, 8, 15),
	}
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindPayout, time.Date(2025, 8, 16, 0, 0, 0, 0, time.UTC), payout),
	}

	if !ReconcilePayoutDates(r, evidence) {
		t.Fatal("conflicting payout dates must correct the record")
	}
	if !sameDay(*r.CheckinAt, time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("checkin = %v", r.CheckinAt)
	}
	if !sameDay(*r.OriginalCheckinAt, time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("original not archived: %v", r.OriginalCheckinAt)
	}
	if !r.HasChanges || r.ChangeCount != 1 {
		t.Fatalf("bookkeeping: %v %d", r.HasChanges, r.ChangeCount)
	}
}

func TestReconcilePayoutDatesNoOpWhenAgreeing(t *testing.T) {
	r := &models.Reservation{
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
	}
	payout := &TypedEvent{
		Kind:       models.EventKindPayout,
		CheckinAt:  datePtr(2025, 8, 10),
		CheckoutAt: datePtr(2025, 8, 14),
	}
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindPayout, time.Date(2025, 8, 16, 0, 0, 0, 0, time.UTC), payout),
	}

	if ReconcilePayoutDates(r, evidence) {
		t.Fatal("agreeing dates must not count as a change")
	}
	if r.HasChanges || r.ChangeCount != 0 {
		t.Fatal("bookkeeping touched without a change")
	}
}

func TestReconcilePayoutDatesKeepsEarlierOriginal(t *testing.T) {
	// Already marked changed: the first original survives the correction.
	r := &models.Reservation{
		CheckinAt:          datePtr(2025, 8, 12),
		CheckoutAt:         datePtr(2025, 8, 16),
		OriginalCheckinAt:  datePtr(2025, 8, 10),
		OriginalCheckoutAt: datePtr(2025, 8, 14),
		HasChanges:         true,
		ChangeCount:        1,
	}
	payout := &TypedEvent{
		Kind:       models.EventKindPayout,
		CheckinAt:  datePtr(2025, 8, 13),
		CheckoutAt: datePtr(2025, 8, 17),
	}
	evidence := []models.EvidenceLink{
		evidenceLink(models.EventKindPayout, time.Date(2025, 8, 18, 0, 0, 0, 0, time.UTC), payout),
	}

	if !ReconcilePayoutDates(r, evidence) {
		t.Fatal("expected correction")
	}
	if !sameDay(*r.OriginalCheckinAt, time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("first original lost: %v", r.OriginalCheckinAt)
	}
	if r.ChangeCount != 2 {
		t.Fatalf("change count = %d", r.ChangeCount)
	}
}
