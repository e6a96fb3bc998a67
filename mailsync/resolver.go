package mailsync

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

const (
	payoutScoreThreshold        = 0.6
	changeRequestScoreThreshold = 0.7

	payoutTimeWindowDays = 60
	lookbackDays         = 730
)

// Resolver scores reservations against a weak-key event (one carrying no
// confirmation code) and returns the best match above the kind-specific
// threshold, or none. Two matchers share the name/recency scoring: payout
// matching weighs amount and time, change-request matching weighs name and dates.
type Resolver struct {
	rates               map[string]float64
	fallbackNightlyRate decimal.Decimal
	now                 func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{
		rates:               loadCurrencyRates(),
		fallbackNightlyRate: fallbackNightlyRateFromEnv(),
		now:                 time.Now,
	}
}

// Match is a successful resolution with its audit fields.
type Match struct {
	ConfirmationCode string
	ReservationId    uint
	Score            float64
	Method           string
}

// ResolvePayout matches a payout event to the reservation it settles.
// Score = 0.7*amount similarity + 0.3*temporal similarity; candidates whose
// checkout falls outside the 60-day window before the payout are excluded.
func (r *Resolver) ResolvePayout(event *TypedEvent, candidates []models.Reservation) (Match, bool) {
	amount, hasAmount := event.PayoutAmount()
	if !hasAmount || !amount.IsPositive() {
		return Match{}, false
	}

	best := Match{}
	bestRecency := -1.0
	for i := range candidates {
		candidate := &candidates[i]
		if !r.preFilter(candidate, event) {
			continue
		}
		timeScore, inWindow := r.payoutTimeSimilarity(candidate, event)
		if !inWindow {
			continue
		}
		amountScore := r.amountSimilarity(amount, event.Currency, candidate)
		score := 0.7*amountScore + 0.3*timeScore
		recency := r.recencyBonus(candidate)

		if score > best.Score || (score == best.Score && recency > bestRecency) {
			best = Match{
				ConfirmationCode: candidate.ConfirmationCode,
				ReservationId:    candidate.ID,
				Score:            score,
				Method:           models.MatchMethodAmountTime,
			}
			bestRecency = recency
		}
	}
	if best.Score < payoutScoreThreshold {
		return Match{}, false
	}
	return best, true
}

// ResolveChangeRequest matches a change request to the reservation whose
// dates it talks about. Score = 0.4*name + 0.5*date + 0.1*recency.
func (r *Resolver) ResolveChangeRequest(event *TypedEvent, candidates []models.Reservation) (Match, bool) {
	best := Match{}
	bestRecency := -1.0
	for i := range candidates {
		candidate := &candidates[i]
		if !r.preFilter(candidate, event) {
			continue
		}
		nameScore := nameSimilarity(event.GuestName, candidate.GuestName)
		dateScore := r.changeRequestDateSimilarity(candidate, event)
		recency := r.recencyBonus(candidate)
		score := 0.4*nameScore + 0.5*dateScore + 0.1*recency

		if score > best.Score || (score == best.Score && recency > bestRecency) {
			best = Match{
				ConfirmationCode: candidate.ConfirmationCode,
				ReservationId:    candidate.ID,
				Score:            score,
				Method:           models.MatchMethodNameDate,
			}
			bestRecency = recency
		}
	}
	if best.Score < changeRequestScoreThreshold {
		return Match{}, false
	}
	return best, true
}

// preFilter coarsely limits candidates: first name token agrees (when the
// event names a guest) and the reservation is inside the lookback window.
func (r *Resolver) preFilter(candidate *models.Reservation, event *TypedEvent) bool {
	if event.GuestName != "" && candidate.GuestName != "" {
		if firstToken(event.GuestName) != firstToken(candidate.GuestName) &&
			nameSimilarity(event.GuestName, candidate.GuestName) < 0.6 {
			return false
		}
	}
	reference := candidate.CheckoutAt
	if reference == nil {
		reference = candidate.CheckinAt
	}
	if reference != nil && r.now().Sub(*reference) > lookbackDays*24*time.Hour {
		return false
	}
	return true
}

// nameSimilarity: 1.0 exact normalized match, 0.8 first-token match,
// 0.6 substring containment, else bounded character overlap capped at 0.5.
func nameSimilarity(a, b string) float64 {
	left := normalizeName(a)
	right := normalizeName(b)
	if left == "" || right == "" {
		return 0
	}
	if left == right {
		return 1.0
	}
	if firstToken(left) == firstToken(right) {
		return 0.8
	}
	if strings.Contains(left, right) || strings.Contains(right, left) {
		return 0.6
	}
	overlap := charOverlapRatio(left, right)
	if overlap > 0.5 {
		return 0.5
	}
	return overlap
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}

func firstToken(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func charOverlapRatio(a, b string) float64 {
	counts := make(map[rune]int)
	for _, r := range a {
		counts[r]++
	}
	shared := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 0
	}
	return float64(shared) / float64(longer)
}

// payoutTimeSimilarity decays linearly over the 60 days between the
// candidate's checkout and the payout date. Outside the window the candidate
// is excluded entirely.
func (r *Resolver) payoutTimeSimilarity(candidate *models.Reservation, event *TypedEvent) (float64, bool) {
	if candidate.CheckoutAt == nil || event.EventAt.IsZero() {
		return 0, false
	}
	gap := event.EventAt.Sub(*candidate.CheckoutAt)
	days := gap.Hours() / 24
	if days < 0 || days > payoutTimeWindowDays {
		return 0, false
	}
	return 1.0 - days/payoutTimeWindowDays, true
}

// amountSimilarity = 1 - |event - expected| / avg(event, expected), floored
// at zero. Expected is the candidate's recorded earnings in the event's
// currency, or a coarse nightly-rate estimate when earnings were never set.
func (r *Resolver) amountSimilarity(eventAmount decimal.Decimal, eventCurrency string, candidate *models.Reservation) float64 {
	expected := candidate.HostEarnings
	if _, set := candidate.MoneySources()[models.MoneyFieldEarnings]; !set || expected.IsZero() {
		nights := candidate.Nights
		if nights <= 0 {
			nights = 1
		}
		expected = r.fallbackNightlyRate.Mul(decimal.NewFromInt(int64(nights)))
	} else {
		expected = r.convert(expected, candidate.Currency, eventCurrency)
	}
	if !expected.IsPositive() {
		return 0
	}

	diff, _ := eventAmount.Sub(expected).Abs().Float64()
	avg, _ := eventAmount.Add(expected).Div(decimal.NewFromInt(2)).Float64()
	if avg <= 0 {
		return 0
	}
	return math.Max(0, 1-diff/avg)
}

// changeRequestDateSimilarity grades how well the event's stated original
// dates line up with the candidate's recorded dates.
func (r *Resolver) changeRequestDateSimilarity(candidate *models.Reservation, event *TypedEvent) float64 {
	stated := event.OriginalCheckinAt
	statedEnd := event.OriginalCheckoutAt
	if stated == nil {
		stated = event.CheckinAt
		statedEnd = event.CheckoutAt
	}
	if stated == nil || statedEnd == nil {
		return 0.1
	}

	if sameStay(stated, statedEnd, candidate.CheckinAt, candidate.CheckoutAt) {
		return 1.0
	}
	if sameStay(stated, statedEnd, candidate.OriginalCheckinAt, candidate.OriginalCheckoutAt) {
		return 0.9
	}
	if sameStay(event.NewCheckinAt, event.NewCheckoutAt, candidate.CheckinAt, candidate.CheckoutAt) {
		return 0.8
	}
	if candidate.CheckinAt != nil {
		days := math.Abs(stated.Sub(*candidate.CheckinAt).Hours() / 24)
		if days <= 7 {
			return math.Max(0.3, 1.0-days*0.1)
		}
	}
	return 0.1
}

func sameStay(aStart, aEnd, bStart, bEnd *time.Time) bool {
	if aStart == nil || aEnd == nil || bStart == nil || bEnd == nil {
		return false
	}
	return sameDay(*aStart, *bStart) && sameDay(*aEnd, *bEnd)
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

// recencyBonus steps down with the age of the candidate's stay.
func (r *Resolver) recencyBonus(candidate *models.Reservation) float64 {
	reference := candidate.CheckoutAt
	if reference == nil {
		reference = candidate.CheckinAt
	}
	if reference == nil {
		return 0.2
	}
	age := r.now().Sub(*reference)
	switch {
	case age < 30*24*time.Hour:
		return 1.0
	case age < 90*24*time.Hour:
		return 0.8
	case age < 365*24*time.Hour:
		return 0.6
	case age < 730*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

func (r *Resolver) convert(amount decimal.Decimal, from, to string) decimal.Decimal {
	if from == "" || to == "" || from == to {
		return amount
	}
	if rate, ok := r.rates[from+"_"+to]; ok && rate > 0 {
		return amount.Mul(decimal.NewFromFloat(rate))
	}
	return amount
}

// loadCurrencyRates reads CURRENCY_RATES_JSON, e.g. {"EUR_USD": 1.08}.
func loadCurrencyRates() map[string]float64 {
	rates := make(map[string]float64)
	raw := strings.TrimSpace(os.Getenv("CURRENCY_RATES_JSON"))
	if raw == "" {
		return rates
	}
	if err := json.Unmarshal([]byte(raw), &rates); err != nil {
		return make(map[string]float64)
	}
	return rates
}

func fallbackNightlyRateFromEnv() decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv("FALLBACK_NIGHTLY_RATE"))
	if raw == "" {
		return decimal.NewFromInt(100)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.NewFromInt(100)
	}
	return rate
}
