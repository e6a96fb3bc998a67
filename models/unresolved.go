package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"gorm.io/gorm"
)

// UnresolvedEvent queues a weak-key event whose resolver score stayed below
// threshold. It is retried later, never discarded.
type UnresolvedEvent struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	HostId    string    `gorm:"index;not null" json:"host_id"`
	EventKind EventKind `gorm:"size:32;not null" json:"event_kind"`
	MessageId string    `gorm:"uniqueIndex;size:128;not null" json:"message_id"`
	ThreadId  string    `gorm:"size:128" json:"thread_id"`
	Subject   string    `gorm:"size:512" json:"subject"`
	EventAt   time.Time `json:"event_at"`

	PayloadJSON []byte `gorm:"type:json" json:"payload"`

	Attempts              int        `json:"attempts"`
	LastTriedAt           *time.Time `json:"last_tried_at"`
	ResolvedReservationId *uint      `gorm:"index" json:"resolved_reservation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueueUnresolvedEvent stores the event for a later resolution attempt.
// The same message queued twice is a no-op.
func QueueUnresolvedEvent(ctx context.Context, event *UnresolvedEvent) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Create(event).Error
	if err != nil && isDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func ListUnresolvedEvents(ctx context.Context, hostId string) ([]UnresolvedEvent, error) {
	db := config.GetDB()
	var events []UnresolvedEvent
	if err := db.WithContext(ctx).
		Where("host_id = ? AND resolved_reservation_id IS NULL", hostId).
		Order("id asc").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func MarkUnresolvedTried(ctx context.Context, id uint) error {
	db := config.GetDB()
	now := time.Now()
	return db.WithContext(ctx).Model(&UnresolvedEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":      gorm.Expr("attempts + 1"),
			"last_tried_at": &now,
		}).Error
}

func MarkUnresolvedResolved(ctx context.Context, id uint, reservationId uint) error {
	db := config.GetDB()
	now := time.Now()
	return db.WithContext(ctx).Model(&UnresolvedEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved_reservation_id": reservationId,
			"last_tried_at":           &now,
		}).Error
}
