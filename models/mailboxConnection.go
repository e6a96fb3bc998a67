package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

// MailboxConnection holds one host's linked mailbox: which provider, where the
// refresh credential lives, and the per-kind scan cursors.
type MailboxConnection struct {
	ID       uint   `gorm:"primary_key" json:"id"`
	HostId   string `gorm:"uniqueIndex:idx_mailbox_host,priority:1;not null" json:"host_id"`
	Provider string `gorm:"uniqueIndex:idx_mailbox_host,priority:2;size:20;not null" json:"provider"`
	Address  string `gorm:"size:255" json:"address"`
	Status   string `gorm:"size:20;not null;default:'connected'" json:"status"`

	// AuthSecretRef names the secret holding the refresh token; the token
	// itself is never stored in this table.
	AuthSecretRef string `gorm:"size:255" json:"-"`

	CursorStateJSON []byte `gorm:"type:json" json:"cursor_state"`

	LastScanAt        *time.Time `json:"last_scan_at"`
	LastSuccessScanAt *time.Time `json:"last_success_scan_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetMailboxConnection(ctx context.Context, hostId string) (*MailboxConnection, error) {
	db := config.GetDB()
	var connection MailboxConnection
	if err := db.WithContext(ctx).
		Where("host_id = ? AND status = ?", hostId, MailboxStatusConnected).
		Take(&connection).Error; err != nil {
		return nil, err
	}
	return &connection, nil
}

func (connection *MailboxConnection) TouchScan(ctx context.Context, success bool) error {
	db := config.GetDB()
	now := time.Now()
	updates := map[string]interface{}{"last_scan_at": &now}
	if success {
		updates["last_success_scan_at"] = &now
	}
	return db.WithContext(ctx).Model(connection).Updates(updates).Error
}

func (connection *MailboxConnection) SaveCursorState(ctx context.Context, state []byte) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(connection).
		Update("cursor_state_json", state).Error
}
