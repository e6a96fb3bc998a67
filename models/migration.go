package models

import (
	"log"

	"bitbucket.org/mmdatafocus/staysync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Reservation{}, &EvidenceLink{},
		&PayoutRecord{}, &PayoutMatch{},
		&ScanSession{}, &ScanError{},
		&UnresolvedEvent{},
		&MailboxConnection{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
