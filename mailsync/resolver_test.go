package mailsync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

func testResolver(now time.Time) *Resolver {
	return &Resolver{
		rates:               map[string]float64{},
		fallbackNightlyRate: decimal.NewFromInt(100),
		now:                 func() time.Time { return now },
	}
}

func reservationCandidate(code, guest string, checkin, checkout time.Time, earnings int64) models.Reservation {
	r := models.Reservation{
		ConfirmationCode: code,
		GuestName:        guest,
		CheckinAt:        &checkin,
		CheckoutAt:       &checkout,
		Currency:         "USD",
	}
	if earnings > 0 {
		r.HostEarnings = decimal.NewFromInt(earnings)
		r.SetMoneySources(map[string]models.EventKind{
			models.MoneyFieldEarnings: models.EventKindCreation,
		})
	}
	return r
}

func TestResolvePayoutMatchesOnAmountAndTime(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	candidates := []models.Reservation{
		reservationCandidate("HMAAAA1111", "Aye Chan",
			time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 7, 25, 0, 0, 0, 0, time.UTC), 740),
		reservationCandidate("HMBBBB2222", "Min Thu",
			time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 2100),
	}

	event := &TypedEvent{
		Kind:     models.EventKindPayout,
		Currency: "USD",
		Money:    money(map[string]int64{models.MoneyFieldEarnings: 740}),
		EventAt:  time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC),
	}

	match, ok := resolver.ResolvePayout(event, candidates)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.ConfirmationCode != "HMAAAA1111" {
		t.Fatalf("matched %s", match.ConfirmationCode)
	}
	if match.Score < payoutScoreThreshold {
		t.Fatalf("accepted score %f below threshold", match.Score)
	}
	if match.Method != models.MatchMethodAmountTime {
		t.Fatalf("method = %s", match.Method)
	}
}

func TestResolvePayoutExcludesCandidatesOutsideWindow(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	// Checkout 90 days before the payout: outside the 60-day window.
	candidates := []models.Reservation{
		reservationCandidate("HMCCCC3333", "Su Su",
			time.Date(2025, 4, 25, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), 500),
	}
	event := &TypedEvent{
		Kind:     models.EventKindPayout,
		Currency: "USD",
		Money:    money(map[string]int64{models.MoneyFieldEarnings: 500}),
		EventAt:  time.Date(2025, 7, 30, 0, 0, 0, 0, time.UTC),
	}

	if _, ok := resolver.ResolvePayout(event, candidates); ok {
		t.Fatal("candidate outside window must be excluded even with exact amount")
	}
}

func TestResolvePayoutRejectsBelowThreshold(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	// Amount wildly off: even the single best candidate stays unmatched.
	candidates := []models.Reservation{
		reservationCandidate("HMDDDD4444", "Kyaw Kyaw",
			time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 7, 25, 0, 0, 0, 0, time.UTC), 3000),
	}
	event := &TypedEvent{
		Kind:     models.EventKindPayout,
		Currency: "USD",
		Money:    money(map[string]int64{models.MoneyFieldEarnings: 100}),
		EventAt:  time.Date(2025, 7, 26, 0, 0, 0, 0, time.UTC),
	}

	if match, ok := resolver.ResolvePayout(event, candidates); ok {
		t.Fatalf("matched %s at %f despite amount mismatch", match.ConfirmationCode, match.Score)
	}
}

func TestResolveChangeRequestMatchesOnNameAndDates(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	candidates := []models.Reservation{
		reservationCandidate("HMEEEE5555", "Aye Chan Moe",
			time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC), 0),
		reservationCandidate("HMFFFF6666", "Zaw Lin",
			time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC), 0),
	}

	event := &TypedEvent{
		Kind:               models.EventKindChangeRequest,
		GuestName:          "Aye Chan Moe",
		OriginalCheckinAt:  datePtr(2025, 8, 10),
		OriginalCheckoutAt: datePtr(2025, 8, 14),
		NewCheckinAt:       datePtr(2025, 8, 12),
		NewCheckoutAt:      datePtr(2025, 8, 16),
		EventAt:            now,
	}

	match, ok := resolver.ResolveChangeRequest(event, candidates)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.ConfirmationCode != "HMEEEE5555" {
		t.Fatalf("matched %s", match.ConfirmationCode)
	}
	if match.Method != models.MatchMethodNameDate {
		t.Fatalf("method = %s", match.Method)
	}
}

func TestResolveChangeRequestRejectsBelowThreshold(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	// Wrong guest and dates off by a month.
	candidates := []models.Reservation{
		reservationCandidate("HMGGGG7777", "Hla Hla",
			time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC), 0),
	}
	event := &TypedEvent{
		Kind:               models.EventKindChangeRequest,
		GuestName:          "Tun Tun",
		OriginalCheckinAt:  datePtr(2025, 8, 1),
		OriginalCheckoutAt: datePtr(2025, 8, 3),
		EventAt:            now,
	}

	if match, ok := resolver.ResolveChangeRequest(event, candidates); ok {
		t.Fatalf("matched %s at %f", match.ConfirmationCode, match.Score)
	}
}

func TestResolveTieBreaksByRecency(t *testing.T) {
	now := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	resolver := testResolver(now)

	// Same guest, identical stated dates: only recency separates them.
	older := reservationCandidate("HMOLD00001", "Nwe Nwe",
		time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), 0)
	recent := reservationCandidate("HMNEW00001", "Nwe Nwe",
		time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC), 0)

	event := &TypedEvent{
		Kind:               models.EventKindChangeRequest,
		GuestName:          "Nwe Nwe",
		OriginalCheckinAt:  datePtr(2025, 7, 10),
		OriginalCheckoutAt: datePtr(2025, 7, 14),
		EventAt:            now,
	}

	match, ok := resolver.ResolveChangeRequest(event, []models.Reservation{older, recent})
	if !ok {
		t.Fatal("expected a match")
	}
	if match.ConfirmationCode != "HMNEW00001" {
		t.Fatalf("tie broken toward %s", match.ConfirmationCode)
	}
}

func TestNameSimilarityGrades(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"Aye Chan", "aye chan", 1.0},
		{"Aye Chan", "Aye C.", 0.8},
		{"Chan", "Aye-Chan Moe", 0.6},
	}
	for _, tc := range cases {
		if got := nameSimilarity(tc.a, tc.b); got != tc.want {
			t.Fatalf("nameSimilarity(%q, %q) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
	if got := nameSimilarity("Kyaw", "Moe"); got > 0.5 {
		t.Fatalf("overlap ratio exceeded cap: %f", got)
	}
}
