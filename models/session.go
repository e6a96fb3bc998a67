package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

// ScanSession is the persisted progress record for one ingestion run over a
// bounded scope (one host, one year). Terminal rows are kept for audit.
type ScanSession struct {
	ID       uint   `gorm:"primary_key" json:"id"`
	HostId   string `gorm:"index;not null" json:"host_id"`
	ScanYear int    `gorm:"index" json:"scan_year"`
	Status   string `gorm:"size:20;not null" json:"status"`

	TriggeredBy string `gorm:"size:20" json:"triggered_by"`
	ParentId    *uint  `gorm:"index" json:"parent_id"`

	TotalCount     int `json:"total_count"`
	ProcessedCount int `json:"processed_count"`
	SkippedCount   int `json:"skipped_count"`
	ErrorCount     int `json:"error_count"`

	Cursor      string `gorm:"size:128" json:"cursor"`
	CurrentCode string `gorm:"size:32" json:"current_code"`
	LastError   string `gorm:"type:text" json:"last_error"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetScanSession(ctx context.Context, id uint) (*ScanSession, error) {
	db := config.GetDB()
	var session ScanSession
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// ListActiveScanSessions returns all persisted sessions that were still in
// flight (queued/running/paused), used to self-heal the cache after a restart.
func ListActiveScanSessions(ctx context.Context) ([]ScanSession, error) {
	db := config.GetDB()
	var sessions []ScanSession
	if err := db.WithContext(ctx).
		Where("status IN ?", []string{ScanSessionStatusQueued, ScanSessionStatusRunning, ScanSessionStatusPaused}).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func ListScanSessionsByHost(ctx context.Context, hostId string, limit int) ([]ScanSession, error) {
	db := config.GetDB()
	var sessions []ScanSession
	if err := db.WithContext(ctx).
		Where("host_id = ?", hostId).
		Order("id desc").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
