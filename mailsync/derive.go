package mailsync

import (
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"github.com/shopspring/decimal"
)

// serviceFeeCap: a derived fee above a quarter of the gross total is treated
// as a calculator artifact and discarded.
var serviceFeeCap = decimal.NewFromFloat(0.25)

// ApplyDerivedFields fills fields computable from what the merge produced:
// the service fee from the money identity, and nights from the date range.
func ApplyDerivedFields(r *models.Reservation) {
	deriveServiceFee(r)
	deriveNights(r)
}

// deriveServiceFee computes fee = total - earnings - cleaning when the fee is
// still unset but total and earnings were extracted. Accepted only inside
// (0, 0.25*total]; anything outside stays unset.
func deriveServiceFee(r *models.Reservation) {
	sources := r.MoneySources()
	if _, set := sources[models.MoneyFieldService]; set {
		return
	}
	if _, set := sources[models.MoneyFieldTotal]; !set {
		return
	}
	if _, set := sources[models.MoneyFieldEarnings]; !set {
		return
	}

	cleaning := decimal.Zero
	if _, set := sources[models.MoneyFieldCleaning]; set {
		cleaning = r.CleaningFee
	}
	fee := r.AmountTotal.Sub(r.HostEarnings).Sub(cleaning)
	if !fee.IsPositive() {
		return
	}
	if fee.GreaterThan(r.AmountTotal.Mul(serviceFeeCap)) {
		return
	}

	r.ServiceFee = fee
	sources[models.MoneyFieldService] = models.EventKindDerived
	r.SetMoneySources(sources)
}

func deriveNights(r *models.Reservation) {
	if r.Nights > 0 || r.CheckinAt == nil || r.CheckoutAt == nil {
		return
	}
	nights := NightsBetween(*r.CheckinAt, *r.CheckoutAt)
	if nights > 0 {
		r.Nights = nights
	}
}

// NightsBetween counts whole nights between two stay boundaries.
func NightsBetween(checkin, checkout time.Time) int {
	start := time.Date(checkin.Year(), checkin.Month(), checkin.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(checkout.Year(), checkout.Month(), checkout.Day(), 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start) / (24 * time.Hour))
}
