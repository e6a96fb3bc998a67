package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reservation is the reconciled record for one stay, keyed by
// (host_id, confirmation_code). Money columns are never NULL after a merge:
// an unset amount is stored as zero and MoneySourcesJSON records which event
// kind last set each field (absent key = never set by any event).
type Reservation struct {
	ID               uint   `gorm:"primary_key" json:"id"`
	HostId           string `gorm:"uniqueIndex:idx_reservation_code,priority:1;not null" json:"host_id"`
	ConfirmationCode string `gorm:"uniqueIndex:idx_reservation_code,priority:2;size:32;not null" json:"confirmation_code"`

	GuestName  string     `gorm:"size:255" json:"guest_name"`
	CheckinAt  *time.Time `json:"checkin_at"`
	CheckoutAt *time.Time `json:"checkout_at"`
	Nights     int        `json:"nights"`

	Currency       string          `gorm:"size:3" json:"currency"`
	AmountTotal    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"amount_total"`
	HostEarnings   decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"host_earnings"`
	CleaningFee    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"cleaning_fee"`
	ServiceFee     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"service_fee"`
	OccupancyTaxes decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"occupancy_taxes"`

	// MoneySourcesJSON maps money field name -> event kind that last set it.
	MoneySourcesJSON []byte `gorm:"type:json" json:"money_sources"`

	Status ReservationStatus `gorm:"size:32;not null;default:'expecting'" json:"status"`

	HasChanges         bool       `json:"has_changes"`
	ChangeCount        int        `json:"change_count"`
	LastChangeAt       *time.Time `json:"last_change_at"`
	OriginalCheckinAt  *time.Time `json:"original_checkin_at"`
	OriginalCheckoutAt *time.Time `json:"original_checkout_at"`

	// LastChangeMessageId identifies the change-request whose dates were
	// applied, so replaying the evidence trail never re-applies it after a
	// later correction moved the dates elsewhere.
	LastChangeMessageId string `gorm:"size:128" json:"-"`

	LastMessageId string `gorm:"size:128" json:"last_message_id"`
	LastThreadId  string `gorm:"size:128" json:"last_thread_id"`

	RetryCount  int `json:"retry_count"`
	LockVersion int `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Money field names used as MoneySourcesJSON keys.
const (
	MoneyFieldTotal    = "amount_total"
	MoneyFieldEarnings = "host_earnings"
	MoneyFieldCleaning = "cleaning_fee"
	MoneyFieldService  = "service_fee"
	MoneyFieldTaxes    = "occupancy_taxes"
)

var MoneyFieldNames = []string{
	MoneyFieldTotal, MoneyFieldEarnings, MoneyFieldCleaning, MoneyFieldService, MoneyFieldTaxes,
}

// MoneySources decodes the field -> event kind provenance map.
func (r *Reservation) MoneySources() map[string]EventKind {
	sources := make(map[string]EventKind)
	if len(r.MoneySourcesJSON) == 0 {
		return sources
	}
	if err := json.Unmarshal(r.MoneySourcesJSON, &sources); err != nil {
		return make(map[string]EventKind)
	}
	return sources
}

func (r *Reservation) SetMoneySources(sources map[string]EventKind) {
	if len(sources) == 0 {
		r.MoneySourcesJSON = nil
		return
	}
	b, _ := json.Marshal(sources)
	r.MoneySourcesJSON = b
}

// MoneyValue returns the named money column.
func (r *Reservation) MoneyValue(field string) decimal.Decimal {
	switch field {
	case MoneyFieldTotal:
		return r.AmountTotal
	case MoneyFieldEarnings:
		return r.HostEarnings
	case MoneyFieldCleaning:
		return r.CleaningFee
	case MoneyFieldService:
		return r.ServiceFee
	case MoneyFieldTaxes:
		return r.OccupancyTaxes
	}
	return decimal.Zero
}

func (r *Reservation) SetMoneyValue(field string, value decimal.Decimal) {
	switch field {
	case MoneyFieldTotal:
		r.AmountTotal = value
	case MoneyFieldEarnings:
		r.HostEarnings = value
	case MoneyFieldCleaning:
		r.CleaningFee = value
	case MoneyFieldService:
		r.ServiceFee = value
	case MoneyFieldTaxes:
		r.OccupancyTaxes = value
	}
}

// ZeroAllMoney clears every money column and drops their provenance.
func (r *Reservation) ZeroAllMoney() {
	for _, field := range MoneyFieldNames {
		r.SetMoneyValue(field, decimal.Zero)
	}
	r.SetMoneySources(nil)
}

func reservationCacheKey(hostId, code string) string {
	return hostId + ":" + code
}

// GetReservation loads one reservation, redis first then db (cache-aside).
func GetReservation(ctx context.Context, hostId string, code string) (*Reservation, error) {
	cached, err := utils.RetrieveRedis[Reservation](reservationCacheKey(hostId, code))
	if err == nil && cached != nil {
		return cached, nil
	}

	db := config.GetDB()
	var reservation Reservation
	if err := db.WithContext(ctx).
		Where("host_id = ? AND confirmation_code = ?", hostId, code).
		Take(&reservation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	_ = utils.StoreRedis[Reservation](&reservation, reservationCacheKey(hostId, code))
	return &reservation, nil
}

func ListReservationsByHost(ctx context.Context, hostId string) ([]Reservation, error) {
	db := config.GetDB()
	var reservations []Reservation
	if err := db.WithContext(ctx).
		Where("host_id = ?", hostId).
		Order("checkin_at desc").
		Find(&reservations).Error; err != nil {
		return nil, err
	}
	return reservations, nil
}

var ErrReservationConflict = errors.New("reservation write conflict")

const reservationWriteAttempts = 5

// SaveReservationWithRetry implements read-current / recompute / write with
// optimistic locking on lock_version. mutate receives the freshest row (nil if
// the reservation does not exist yet) and must return the row to persist.
// On a version conflict the whole cycle is retried from a fresh read.
func SaveReservationWithRetry(ctx context.Context, hostId string, code string, mutate func(existing *Reservation) (*Reservation, error)) (*Reservation, error) {
	db := config.GetDB()

	for attempt := 0; attempt < reservationWriteAttempts; attempt++ {
		var existing *Reservation
		var row Reservation
		err := db.WithContext(ctx).
			Where("host_id = ? AND confirmation_code = ?", hostId, code).
			Take(&row).Error
		if err == nil {
			existing = &row
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}

		next, err := mutate(existing)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return existing, nil
		}
		next.HostId = hostId
		next.ConfirmationCode = code

		if existing == nil {
			next.LockVersion = 1
			createErr := db.WithContext(ctx).Create(next).Error
			if createErr == nil {
				_ = utils.RemoveRedis[Reservation](reservationCacheKey(hostId, code))
				return next, nil
			}
			if isDuplicateKeyErr(createErr) {
				// Another writer created it first; retry against the fresh row.
				continue
			}
			return nil, createErr
		}

		currentVersion := existing.LockVersion
		next.ID = existing.ID
		next.LockVersion = currentVersion + 1
		res := db.WithContext(ctx).
			Model(&Reservation{}).
			Where("id = ? AND lock_version = ?", existing.ID, currentVersion).
			Select("*").
			Omit("id", "created_at").
			Updates(next)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race; re-read and recompute.
			continue
		}
		_ = utils.RemoveRedis[Reservation](reservationCacheKey(hostId, code))
		return next, nil
	}

	return nil, ErrReservationConflict
}
