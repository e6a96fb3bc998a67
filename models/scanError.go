package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

// ScanError records one per-event failure inside a scan session. Per-event
// failures never abort the run; they are kept here with provenance.
type ScanError struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	ScanSessionId uint      `gorm:"index;not null" json:"scan_session_id"`
	HostId        string    `gorm:"index;not null" json:"host_id"`
	EventKind     string    `gorm:"size:32" json:"event_kind"`
	MessageId     string    `gorm:"size:128" json:"message_id"`
	ErrorCode     string    `gorm:"size:64" json:"error_code"`
	Message       string    `gorm:"type:text" json:"message"`
	PayloadJSON   []byte    `gorm:"type:json" json:"payload"`
	Retryable     bool      `gorm:"default:false" json:"retryable"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateScanError(ctx context.Context, scanError *ScanError) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(scanError).Error
}

func ListScanErrors(ctx context.Context, sessionId uint) ([]ScanError, error) {
	db := config.GetDB()
	var scanErrors []ScanError
	if err := db.WithContext(ctx).
		Where("scan_session_id = ?", sessionId).
		Order("id desc").
		Find(&scanErrors).Error; err != nil {
		return nil, err
	}
	return scanErrors, nil
}
