package mailsync

import (
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

// moneyRule is one cell of the (event kind -> money field) policy table.
type moneyRule int

const (
	moneyRuleNever moneyRule = iota
	moneyRuleAlways
	moneyRuleIfNoBetter
	moneyRuleUplift
)

// moneyRules: how each event kind may overwrite an already-set money field.
// Absent existing values are always adopted regardless of this table.
var moneyRules = map[models.EventKind]moneyRule{
	models.EventKindPayout:        moneyRuleAlways,
	models.EventKindCreation:      moneyRuleIfNoBetter,
	models.EventKindReminder:      moneyRuleNever,
	models.EventKindModification:  moneyRuleUplift,
	models.EventKindCancellation:  moneyRuleUplift,
	models.EventKindChangeRequest: moneyRuleUplift,
}

// kindAuthority ranks event kinds as money sources. Used by the creation rule:
// creation may replace values set by itself or weaker kinds, never stronger.
var kindAuthority = map[models.EventKind]int{
	models.EventKindDerived:       0,
	models.EventKindReminder:      1,
	models.EventKindCreation:      2,
	models.EventKindModification:  3,
	models.EventKindCancellation:  3,
	models.EventKindChangeRequest: 3,
	models.EventKindPayout:        4,
}

// Engine applies one TypedEvent to a reservation snapshot. It never returns
// an error: conflicts resolve through the rule tables above.
type Engine struct {
	upliftPercent       decimal.Decimal
	reverseCancellation bool
}

func NewEngine() *Engine {
	return &Engine{
		upliftPercent:       decimal.NewFromInt(int64(config.MoneyUpliftPercent())),
		reverseCancellation: config.ReverseCancellationEnabled(),
	}
}

// NewEngineWithPolicy builds an engine with an explicit uplift threshold,
// bypassing the environment.
func NewEngineWithPolicy(upliftPercent int64, reverseCancellation bool) *Engine {
	return &Engine{
		upliftPercent:       decimal.NewFromInt(upliftPercent),
		reverseCancellation: reverseCancellation,
	}
}

// Merge reconciles event into existing (nil for a first sighting) and returns
// the next snapshot. settledTotal/settledCount describe the reservation's
// matched settled payouts, used by the cancellation path and by the reverse
// cancelled -> cancelled_with_payout transition.
func (e *Engine) Merge(existing *models.Reservation, event *TypedEvent, settledTotal decimal.Decimal, settledCount int) *models.Reservation {
	next := cloneOrNew(existing)

	e.mergeIdentityFields(next, existing, event)
	e.mergeMoneyFields(next, existing, event)
	e.mergeStatus(next, existing, event)

	if event.Kind == models.EventKindCancellation {
		e.applyCancellation(next, settledTotal, settledCount)
	}
	if event.Kind == models.EventKindPayout && e.reverseCancellation &&
		existing != nil && existing.Status == models.ReservationStatusCancelled && settledCount > 0 {
		e.promoteCancelledWithPayout(next, settledTotal)
	}

	ApplyDerivedFields(next)
	zeroCoalesce(next)

	if event.MessageId != "" {
		next.LastMessageId = event.MessageId
	}
	if event.ThreadId != "" {
		next.LastThreadId = event.ThreadId
	}
	return next
}

func cloneOrNew(existing *models.Reservation) *models.Reservation {
	if existing == nil {
		return &models.Reservation{Status: models.ReservationStatusExpecting}
	}
	clone := *existing
	return &clone
}

// Identity fields: adopt when existing is absent, when the event is a
// creation, or (name only) when the incoming name is strictly longer.
func (e *Engine) mergeIdentityFields(next *models.Reservation, existing *models.Reservation, event *TypedEvent) {
	isCreation := event.Kind == models.EventKindCreation

	if event.GuestName != "" {
		if next.GuestName == "" || isCreation || len(event.GuestName) > len(next.GuestName) {
			next.GuestName = event.GuestName
		}
	}
	if event.CheckinAt != nil && (next.CheckinAt == nil || isCreation) {
		next.CheckinAt = event.CheckinAt
	}
	if event.CheckoutAt != nil && (next.CheckoutAt == nil || isCreation) {
		next.CheckoutAt = event.CheckoutAt
	}
	if event.Nights > 0 && (next.Nights == 0 || isCreation) {
		next.Nights = event.Nights
	}
	if event.Currency != "" && next.Currency == "" {
		next.Currency = event.Currency
	}
}

func (e *Engine) mergeMoneyFields(next *models.Reservation, existing *models.Reservation, event *TypedEvent) {
	if len(event.Money) == 0 {
		return
	}
	sources := next.MoneySources()
	rule := moneyRules[event.Kind]

	for _, field := range models.MoneyFieldNames {
		incoming, present := event.Money[field]
		if !present {
			continue
		}
		existingKind, wasSet := sources[field]
		if !wasSet {
			next.SetMoneyValue(field, incoming)
			sources[field] = event.Kind
			continue
		}

		overwrite := false
		switch rule {
		case moneyRuleAlways:
			overwrite = true
		case moneyRuleIfNoBetter:
			overwrite = kindAuthority[existingKind] <= kindAuthority[event.Kind]
		case moneyRuleUplift:
			overwrite = exceedsUplift(incoming, next.MoneyValue(field), e.upliftPercent)
		case moneyRuleNever:
		}
		if overwrite {
			next.SetMoneyValue(field, incoming)
			sources[field] = event.Kind
		}
	}
	next.SetMoneySources(sources)
}

// exceedsUplift reports whether incoming is more than pct percent above
// existing, the "more complete figure, not noise" heuristic.
func exceedsUplift(incoming, existing, pct decimal.Decimal) bool {
	if existing.IsZero() {
		return incoming.IsPositive()
	}
	threshold := existing.Mul(decimal.NewFromInt(100).Add(pct)).Div(decimal.NewFromInt(100))
	return incoming.GreaterThan(threshold)
}

func (e *Engine) mergeStatus(next *models.Reservation, existing *models.Reservation, event *TypedEvent) {
	switch event.Kind {
	case models.EventKindCancellation:
		// applyCancellation decides between the two cancelled states.
	case models.EventKindCreation:
		if existing == nil || !existing.Status.IsCancelled() {
			next.Status = models.ReservationStatusExpecting
		}
	default:
		if existing != nil && existing.Status != "" {
			return
		}
		if next.CheckoutAt != nil && next.CheckoutAt.Before(time.Now()) {
			next.Status = models.ReservationStatusCompleted
		} else {
			next.Status = models.ReservationStatusExpecting
		}
	}
}

// applyCancellation: with settled payouts the reservation keeps exactly the
// settled sum as earnings; without any, the financial record is voided.
func (e *Engine) applyCancellation(next *models.Reservation, settledTotal decimal.Decimal, settledCount int) {
	if settledCount > 0 {
		next.Status = models.ReservationStatusCancelledWithPayout
		next.HostEarnings = settledTotal
		sources := next.MoneySources()
		sources[models.MoneyFieldEarnings] = models.EventKindPayout
		next.SetMoneySources(sources)
		return
	}
	next.Status = models.ReservationStatusCancelled
	next.ZeroAllMoney()
}

func (e *Engine) promoteCancelledWithPayout(next *models.Reservation, settledTotal decimal.Decimal) {
	next.Status = models.ReservationStatusCancelledWithPayout
	next.HostEarnings = settledTotal
	sources := next.MoneySources()
	sources[models.MoneyFieldEarnings] = models.EventKindPayout
	next.SetMoneySources(sources)
}

// zeroCoalesce pins every still-unset money field at zero so consumers never
// see an ambiguous unknown. Unset is tracked in the provenance map; the
// columns themselves are already non-null.
func zeroCoalesce(next *models.Reservation) {
	sources := next.MoneySources()
	for _, field := range models.MoneyFieldNames {
		if _, ok := sources[field]; !ok {
			next.SetMoneyValue(field, decimal.Zero)
		}
	}
}
