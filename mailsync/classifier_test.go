package mailsync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

func TestDetectIntent(t *testing.T) {
	cases := []struct {
		subject string
		want    models.EventKind
	}{
		{"Reservation cancelled by guest - HMAAAA1111", models.EventKindCancellation},
		{"Canceled by guest: your reservation", models.EventKindCancellation},
		{"Aye Chan wants to change their reservation", models.EventKindChangeRequest},
		{"A payout of $740.00 was sent", models.EventKindPayout},
		{"Your weekly newsletter", ""},
	}
	for _, tc := range cases {
		if got := DetectIntent(tc.subject); got != tc.want {
			t.Fatalf("DetectIntent(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestClassifyCreationEmail(t *testing.T) {
	classifier := NewClassifier()
	hint := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	body := `Reservation confirmed!
Guest: Aye Chan Moe
Confirmation code: HMAAAA1111
Jun 10, 2025 - Jun 14, 2025 (4 nights)
Total USD $1,000.00
Host earnings $850.00
Cleaning fee $80.00`

	event, err := classifier.Classify("Reservation confirmed - Aye Chan Moe arrives Jun 10", "automated@bookings.example", body, hint)
	if err != nil {
		t.Fatal(err)
	}
	if event == nil {
		t.Fatal("creation email not classified")
	}
	if event.Kind != models.EventKindCreation {
		t.Fatalf("kind = %s", event.Kind)
	}
	if event.ConfirmationCode != "HMAAAA1111" {
		t.Fatalf("code = %q", event.ConfirmationCode)
	}
	if event.GuestName != "Aye Chan Moe" {
		t.Fatalf("guest = %q", event.GuestName)
	}
	if event.CheckinAt == nil || event.CheckinAt.Day() != 10 {
		t.Fatalf("checkin = %v", event.CheckinAt)
	}
	if event.Nights != 4 {
		t.Fatalf("nights = %d", event.Nights)
	}
	if !event.Money[models.MoneyFieldTotal].Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("total = %s", event.Money[models.MoneyFieldTotal])
	}
	if !event.Money[models.MoneyFieldCleaning].Equal(decimal.NewFromInt(80)) {
		t.Fatalf("cleaning = %s", event.Money[models.MoneyFieldCleaning])
	}
	if !event.EventAt.Equal(hint) {
		t.Fatalf("event at = %v", event.EventAt)
	}
}

func TestClassifyPayoutEmail(t *testing.T) {
	classifier := NewClassifier()

	event, err := classifier.Classify(
		"A payout of $740.00 was sent",
		"express@payments.example",
		"Payout $740.00 for your recent stay",
		time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if event == nil || event.Kind != models.EventKindPayout {
		t.Fatalf("event = %+v", event)
	}
	amount, ok := event.PayoutAmount()
	if !ok || !amount.Equal(decimal.NewFromInt(740)) {
		t.Fatalf("payout amount = %s ok=%v", amount, ok)
	}
}

func TestClassifyIgnoresUnrelatedEmail(t *testing.T) {
	classifier := NewClassifier()
	event, err := classifier.Classify("Your invoice from the hardware store", "billing@shop.example", "Thanks for your purchase", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if event != nil {
		t.Fatalf("unrelated email classified as %s", event.Kind)
	}
}

func TestClassifyChangeRequestExtractsBothRanges(t *testing.T) {
	classifier := NewClassifier()
	body := `Aye Chan wants to change their reservation.
Requested dates: Aug 12, 2025 - Aug 17, 2025
Current dates: Aug 10, 2025 - Aug 14, 2025`

	event, err := classifier.Classify("Aye Chan wants to change their reservation", "automated@bookings.example", body, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if event == nil || event.Kind != models.EventKindChangeRequest {
		t.Fatalf("event = %+v", event)
	}
	if event.NewCheckinAt == nil || event.NewCheckinAt.Day() != 12 {
		t.Fatalf("new checkin = %v", event.NewCheckinAt)
	}
	if event.OriginalCheckinAt == nil || event.OriginalCheckinAt.Day() != 10 {
		t.Fatalf("original checkin = %v", event.OriginalCheckinAt)
	}
}
