package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"github.com/shopspring/decimal"
)

// PayoutRecord is one settled transfer parsed from a payout notice. It has its
// own identity because a payout may arrive before (or without) the reservation
// it settles.
type PayoutRecord struct {
	ID         uint            `gorm:"primary_key" json:"id"`
	HostId     string          `gorm:"index;not null" json:"host_id"`
	MessageId  string          `gorm:"uniqueIndex;size:128;not null" json:"message_id"`
	ThreadId   string          `gorm:"size:128" json:"thread_id"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"amount"`
	Currency   string          `gorm:"size:3" json:"currency"`
	PayoutAt   time.Time       `json:"payout_at"`
	GuestName  string          `gorm:"size:255" json:"guest_name"`
	CheckinAt  *time.Time      `json:"checkin_at"`
	CheckoutAt *time.Time      `json:"checkout_at"`

	PayloadJSON []byte `gorm:"type:json" json:"payload"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PayoutMatch links a payout record to the reservation it settles.
type PayoutMatch struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	HostId         string    `gorm:"index;not null" json:"host_id"`
	PayoutRecordId uint      `gorm:"uniqueIndex:idx_payout_match,priority:1;not null" json:"payout_record_id"`
	ReservationId  uint      `gorm:"uniqueIndex:idx_payout_match,priority:2;index;not null" json:"reservation_id"`
	Confidence     float64   `json:"confidence"`
	MatchMethod    string    `gorm:"size:32" json:"match_method"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// UpsertPayoutRecord inserts the payout if its message has not been seen,
// returning the stored row either way.
func UpsertPayoutRecord(ctx context.Context, record *PayoutRecord) (*PayoutRecord, error) {
	db := config.GetDB()
	err := db.WithContext(ctx).Create(record).Error
	if err == nil {
		return record, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}
	var existing PayoutRecord
	if err := db.WithContext(ctx).
		Where("message_id = ?", record.MessageId).
		Take(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// CreatePayoutMatch links payout and reservation; duplicate links are no-ops.
func CreatePayoutMatch(ctx context.Context, match *PayoutMatch) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Create(match).Error
	if err != nil && isDuplicateKeyErr(err) {
		return nil
	}
	return err
}

// SettledPayouts returns the payout amounts matched to a reservation.
func SettledPayouts(ctx context.Context, reservationId uint) ([]decimal.Decimal, error) {
	db := config.GetDB()
	var amounts []decimal.Decimal
	if err := db.WithContext(ctx).
		Model(&PayoutRecord{}).
		Joins("JOIN payout_matches ON payout_matches.payout_record_id = payout_records.id").
		Where("payout_matches.reservation_id = ?", reservationId).
		Pluck("payout_records.amount", &amounts).Error; err != nil {
		return nil, err
	}
	return amounts, nil
}

// SettledPayoutTotal sums the payout amounts matched to a reservation.
func SettledPayoutTotal(ctx context.Context, reservationId uint) (decimal.Decimal, int, error) {
	amounts, err := SettledPayouts(ctx, reservationId)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, len(amounts), nil
}

func ListUnmatchedPayouts(ctx context.Context, hostId string) ([]PayoutRecord, error) {
	db := config.GetDB()
	var records []PayoutRecord
	if err := db.WithContext(ctx).
		Where("host_id = ?", hostId).
		Where("id NOT IN (?)", db.Model(&PayoutMatch{}).Select("payout_record_id").Where("host_id = ?", hostId)).
		Order("payout_at desc").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
