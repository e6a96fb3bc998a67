package mailsync

import (
	"testing"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
)

func TestNewPayoutMatchLinksMergedReservation(t *testing.T) {
	// The link row is built from the saved reservation's id, so a payout that
	// arrives before any other event for the stay still ends up matched.
	match := newPayoutMatch("host-1", 7, 42, false, 1.0)
	if match.PayoutRecordId != 7 || match.ReservationId != 42 {
		t.Fatalf("match links %d -> %d", match.PayoutRecordId, match.ReservationId)
	}
	if match.MatchMethod != models.MatchMethodExplicitCode {
		t.Fatalf("explicit-code payout recorded as %s", match.MatchMethod)
	}

	resolved := newPayoutMatch("host-1", 7, 42, true, 0.73)
	if resolved.MatchMethod != models.MatchMethodAmountTime {
		t.Fatalf("resolver-matched payout recorded as %s", resolved.MatchMethod)
	}
	if resolved.Confidence != 0.73 {
		t.Fatalf("confidence = %f", resolved.Confidence)
	}
}

func TestBuildScanQueryBoundsOneYear(t *testing.T) {
	t.Setenv("MAIL_SEARCH_FROM", "")
	if got := buildScanQuery(2025); got != "after:2025/01/01 before:2026/01/01" {
		t.Fatalf("query = %q", got)
	}
	t.Setenv("MAIL_SEARCH_FROM", "automated@bookings.example")
	if got := buildScanQuery(2025); got != "from:automated@bookings.example after:2025/01/01 before:2026/01/01" {
		t.Fatalf("query with sender = %q", got)
	}
}
