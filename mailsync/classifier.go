package mailsync

import (
	"regexp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

// Classifier turns one raw message into a TypedEvent, or nil when the message
// is not a reservation email at all.
type Classifier interface {
	Classify(subject string, sender string, body string, hintDate time.Time) (*TypedEvent, error)
}

// patternClassifier is the default Classifier: subject templates decide the
// kind, field regexes pull out code, guest, dates and amounts.
type patternClassifier struct{}

func NewClassifier() Classifier {
	return &patternClassifier{}
}

var (
	confirmationCodeRe = regexp.MustCompile(`(?i)(?:confirmation code|reservation code|code)[:\s#]*([A-Z0-9]{6,12})`)
	inlineCodeRe       = regexp.MustCompile(`\b(HM[A-Z0-9]{8})\b`)
	guestNameRe        = regexp.MustCompile(`(?i)(?:guest|reservation for|booked by)[:\s]+([A-Za-z][A-Za-z .'-]{1,60})`)
	amountRe           = regexp.MustCompile(`(?i)(total|payout|earnings|host earnings|cleaning fee|service fee|occupancy tax(?:es)?)[^$€£\d]{0,20}[$€£]?\s?([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	dateRangeRe        = regexp.MustCompile(`([A-Z][a-z]{2} [0-9]{1,2},? [0-9]{4})\s*(?:-|–|to|through)\s*([A-Z][a-z]{2} [0-9]{1,2},? [0-9]{4})`)
	nightsRe           = regexp.MustCompile(`(?i)([0-9]{1,3})\s+nights?`)
	currencyRe         = regexp.MustCompile(`\b(USD|EUR|GBP|MMK|SGD|THB)\b`)
)

var subjectKinds = []struct {
	phrases []string
	kind    models.EventKind
}{
	{[]string{"reservation confirmed", "booking confirmed", "new reservation", "instant booking"}, models.EventKindCreation},
	{[]string{"reminder", "arrives soon", "checking in soon", "upcoming stay"}, models.EventKindReminder},
	{[]string{"reservation updated", "booking updated", "reservation modified", "itinerary changed", "change confirmed"}, models.EventKindModification},
	{[]string{"cancelled", "canceled", "cancellation"}, models.EventKindCancellation},
	{[]string{"wants to change", "change request", "alteration request"}, models.EventKindChangeRequest},
	{[]string{"payout", "you've been paid", "was sent"}, models.EventKindPayout},
}

func (c *patternClassifier) Classify(subject string, sender string, body string, hintDate time.Time) (*TypedEvent, error) {
	kind := classifySubject(subject)
	if kind == "" {
		// Subject inconclusive; the intent adapter gets one more look.
		kind = DetectIntent(subject)
	}
	if kind == "" {
		return nil, nil
	}

	event := &TypedEvent{
		Kind:       kind,
		Subject:    subject,
		EventAt:    hintDate,
		Confidence: 0.9,
	}

	text := subject + "\n" + body
	if m := confirmationCodeRe.FindStringSubmatch(text); m != nil {
		event.ConfirmationCode = strings.ToUpper(m[1])
	} else if m := inlineCodeRe.FindStringSubmatch(text); m != nil {
		event.ConfirmationCode = m[1]
	}
	if m := guestNameRe.FindStringSubmatch(text); m != nil {
		event.GuestName = strings.TrimSpace(m[1])
	}
	if m := currencyRe.FindStringSubmatch(text); m != nil {
		event.Currency = m[1]
	}
	if m := nightsRe.FindStringSubmatch(text); m != nil {
		event.Nights = parseIntSafe(m[1])
	}

	if m := dateRangeRe.FindStringSubmatch(text); m != nil {
		checkin := parseMessageDate(m[1])
		checkout := parseMessageDate(m[2])
		if checkin != nil && checkout != nil && checkout.After(*checkin) {
			if kind == models.EventKindChangeRequest {
				// First range in a change request is the requested itinerary;
				// the stated original follows it.
				event.NewCheckinAt, event.NewCheckoutAt = checkin, checkout
				if rest := dateRangeRe.FindAllStringSubmatch(text, 2); len(rest) > 1 {
					event.OriginalCheckinAt = parseMessageDate(rest[1][1])
					event.OriginalCheckoutAt = parseMessageDate(rest[1][2])
				}
			} else {
				event.CheckinAt, event.CheckoutAt = checkin, checkout
			}
		}
	}

	event.Money = extractMoney(text, kind)
	if len(event.Money) == 0 {
		event.Money = nil
	}
	return event, nil
}

func classifySubject(subject string) models.EventKind {
	normalized := strings.ToLower(subject)
	for _, entry := range subjectKinds {
		for _, phrase := range entry.phrases {
			if strings.Contains(normalized, phrase) {
				return entry.kind
			}
		}
	}
	return ""
}

func extractMoney(text string, kind models.EventKind) map[string]decimal.Decimal {
	money := make(map[string]decimal.Decimal)
	for _, match := range amountRe.FindAllStringSubmatch(text, -1) {
		label := strings.ToLower(match[1])
		amount, err := decimal.NewFromString(strings.ReplaceAll(match[2], ",", ""))
		if err != nil || !amount.IsPositive() {
			continue
		}
		switch {
		case label == "total":
			money[models.MoneyFieldTotal] = amount
		case label == "payout", label == "earnings", label == "host earnings":
			money[models.MoneyFieldEarnings] = amount
		case label == "cleaning fee":
			money[models.MoneyFieldCleaning] = amount
		case label == "service fee":
			money[models.MoneyFieldService] = amount
		case strings.HasPrefix(label, "occupancy tax"):
			money[models.MoneyFieldTaxes] = amount
		}
	}
	if kind == models.EventKindPayout {
		// A bare payout figure with no label lands on earnings.
		if _, ok := money[models.MoneyFieldEarnings]; !ok {
			if total, ok := money[models.MoneyFieldTotal]; ok {
				money[models.MoneyFieldEarnings] = total
				delete(money, models.MoneyFieldTotal)
			}
		}
	}
	return money
}

var messageDateLayouts = []string{
	"Jan 2, 2006",
	"Jan 2 2006",
}

func parseMessageDate(raw string) *time.Time {
	cleaned := strings.TrimSpace(raw)
	for _, layout := range messageDateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return &t
		}
	}
	return nil
}

func parseIntSafe(raw string) int {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
