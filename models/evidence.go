package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

// EvidenceLink is the append-only audit trail tying one processed message to a
// reservation and event kind. Reconciliation passes re-read these rows instead
// of re-fetching messages from upstream.
type EvidenceLink struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	HostId        string    `gorm:"index;not null" json:"host_id"`
	ReservationId uint      `gorm:"uniqueIndex:idx_evidence_link,priority:1;not null" json:"reservation_id"`
	EventKind     EventKind `gorm:"uniqueIndex:idx_evidence_link,priority:2;size:32;not null" json:"event_kind"`
	MessageId     string    `gorm:"uniqueIndex:idx_evidence_link,priority:3;size:128;not null" json:"message_id"`
	ThreadId      string    `gorm:"size:128" json:"thread_id"`
	Subject       string    `gorm:"size:512" json:"subject"`
	EventAt       time.Time `json:"event_at"`

	// PayloadJSON holds the classified event fields so reconciliation can
	// re-derive dates/amounts without another upstream fetch.
	PayloadJSON []byte `gorm:"type:json" json:"payload"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AppendEvidence inserts one evidence row. Re-appending the same
// (reservation, kind, message) is a no-op, which keeps replays idempotent.
func AppendEvidence(ctx context.Context, link *EvidenceLink) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Create(link).Error
	if err != nil && isDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func ListEvidence(ctx context.Context, reservationId uint) ([]EvidenceLink, error) {
	db := config.GetDB()
	var links []EvidenceLink
	if err := db.WithContext(ctx).
		Where("reservation_id = ?", reservationId).
		Order("event_at asc, id asc").
		Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

func ListEvidenceByKind(ctx context.Context, reservationId uint, kind EventKind) ([]EvidenceLink, error) {
	db := config.GetDB()
	var links []EvidenceLink
	if err := db.WithContext(ctx).
		Where("reservation_id = ? AND event_kind = ?", reservationId, kind).
		Order("event_at asc, id asc").
		Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

// HasEvidence reports whether the exact (reservation, kind, message) row exists,
// used to drop duplicate deliveries before merging.
func HasEvidence(ctx context.Context, reservationId uint, kind EventKind, messageId string) (bool, error) {
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).
		Model(&EvidenceLink{}).
		Where("reservation_id = ? AND event_kind = ? AND message_id = ?", reservationId, kind, messageId).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
