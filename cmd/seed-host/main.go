// seed-host creates or updates a host user and its mailbox connection so a
// fresh environment can log in and trigger a scan.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	SEED_HOST_ID=host-001 SEED_USERNAME=... SEED_PASSWORD=... go run ./cmd/seed-host
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
	"bitbucket.org/mmdatafocus/staysync_backend/models"
	"bitbucket.org/mmdatafocus/staysync_backend/utils"
	"gorm.io/gorm"
)

func main() {
	hostId := strings.TrimSpace(os.Getenv("SEED_HOST_ID"))
	username := strings.TrimSpace(os.Getenv("SEED_USERNAME"))
	password := os.Getenv("SEED_PASSWORD")
	mailbox := strings.TrimSpace(os.Getenv("SEED_MAILBOX_ADDRESS"))
	secretRef := strings.TrimSpace(os.Getenv("SEED_MAILBOX_SECRET_REF"))
	if hostId == "" || username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "SEED_HOST_ID, SEED_USERNAME and SEED_PASSWORD are required")
		os.Exit(1)
	}
	if secretRef == "" {
		secretRef = "GMAIL_REFRESH_TOKEN"
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		user := models.User{
			HostId:   hostId,
			Username: username,
			Name:     username,
			Password: string(hashed),
			IsActive: utils.NewTrue(),
			Role:     models.UserRoleHost,
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create host user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created host user: username=%q host=%q\n", username, hostId)
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	default:
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Updates(map[string]any{
			"password":  string(hashed),
			"host_id":   hostId,
			"is_active": utils.NewTrue(),
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update host user: %v\n", err)
			os.Exit(1)
		}
		_ = existing.RemoveInstanceRedis()
		fmt.Printf("Updated host user: username=%q host=%q\n", username, hostId)
	}

	connection := models.MailboxConnection{
		HostId:        hostId,
		Provider:      models.MailboxProviderGmail,
		Address:       mailbox,
		Status:        models.MailboxStatusConnected,
		AuthSecretRef: secretRef,
	}
	err = db.WithContext(ctx).
		Where("host_id = ? AND provider = ?", hostId, models.MailboxProviderGmail).
		First(&models.MailboxConnection{}).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if err := db.WithContext(ctx).Create(&connection).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create mailbox connection: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created mailbox connection for host=%q (secret ref %q)\n", hostId, secretRef)
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to lookup mailbox connection: %v\n", err)
		os.Exit(1)
	default:
		if err := db.WithContext(ctx).Model(&models.MailboxConnection{}).
			Where("host_id = ? AND provider = ?", hostId, models.MailboxProviderGmail).
			Updates(map[string]any{
				"address":         mailbox,
				"status":          models.MailboxStatusConnected,
				"auth_secret_ref": secretRef,
			}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update mailbox connection: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated mailbox connection for host=%q\n", hostId)
	}
}
