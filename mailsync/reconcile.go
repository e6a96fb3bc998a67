package mailsync

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
)

// The reconciler's two passes run after normal merging and work from the
// EvidenceLink audit trail only; nothing here touches the upstream mailbox.

// ReconcileChanges detects a change-request followed later by a modification
// and recovers the original/new date pairs from the change-request payload.
// Returns true when the reservation was altered. An applied request is
// remembered by message id so replays stay no-ops even after a payout-derived
// correction moved the dates somewhere else; payout corrections always win
// over the change-request they superseded.
func ReconcileChanges(r *models.Reservation, evidence []models.EvidenceLink) bool {
	var changeRequest *models.EvidenceLink
	approved := false
	for i := range evidence {
		link := &evidence[i]
		switch link.EventKind {
		case models.EventKindChangeRequest:
			if changeRequest == nil || link.EventAt.After(changeRequest.EventAt) {
				changeRequest = link
				approved = false
			}
		case models.EventKindModification:
			if changeRequest != nil && link.EventAt.After(changeRequest.EventAt) {
				approved = true
			}
		}
	}
	if changeRequest == nil || !approved {
		return false
	}

	event, err := decodeEvidencePayload(changeRequest)
	if err != nil || event.NewCheckinAt == nil || event.NewCheckoutAt == nil {
		return false
	}
	if changeRequest.MessageId != "" {
		if r.LastChangeMessageId == changeRequest.MessageId {
			// Already applied on a previous pass; the current dates may since
			// have been corrected by payout evidence.
			return false
		}
	} else if sameStay(r.CheckinAt, r.CheckoutAt, event.NewCheckinAt, event.NewCheckoutAt) &&
		r.OriginalCheckinAt != nil {
		return false
	}

	if r.OriginalCheckinAt == nil {
		r.OriginalCheckinAt = r.CheckinAt
		r.OriginalCheckoutAt = r.CheckoutAt
	}
	r.CheckinAt = event.NewCheckinAt
	r.CheckoutAt = event.NewCheckoutAt
	r.Nights = NightsBetween(*event.NewCheckinAt, *event.NewCheckoutAt)
	r.LastChangeMessageId = changeRequest.MessageId
	markChanged(r, changeRequest.EventAt)
	return true
}

// ReconcilePayoutDates treats dates carried by payout evidence as
// authoritative: a settlement notice that states a different stay than the
// record corrects the record. No-op when the dates already agree.
func ReconcilePayoutDates(r *models.Reservation, payoutEvidence []models.EvidenceLink) bool {
	changed := false
	for i := range payoutEvidence {
		link := &payoutEvidence[i]
		if link.EventKind != models.EventKindPayout {
			continue
		}
		event, err := decodeEvidencePayload(link)
		if err != nil || event.CheckinAt == nil || event.CheckoutAt == nil {
			continue
		}
		if sameStay(r.CheckinAt, r.CheckoutAt, event.CheckinAt, event.CheckoutAt) {
			continue
		}

		if !r.HasChanges {
			r.OriginalCheckinAt = r.CheckinAt
			r.OriginalCheckoutAt = r.CheckoutAt
		}
		r.CheckinAt = event.CheckinAt
		r.CheckoutAt = event.CheckoutAt
		r.Nights = NightsBetween(*event.CheckinAt, *event.CheckoutAt)
		markChanged(r, link.EventAt)
		changed = true
	}
	return changed
}

func markChanged(r *models.Reservation, at time.Time) {
	r.HasChanges = true
	r.ChangeCount++
	stamp := at
	if stamp.IsZero() {
		stamp = time.Now()
	}
	r.LastChangeAt = &stamp
}

func decodeEvidencePayload(link *models.EvidenceLink) (*TypedEvent, error) {
	var event TypedEvent
	if err := json.Unmarshal(link.PayloadJSON, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
