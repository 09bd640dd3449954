package models

import (
	"log"

	"github.com/mmdatafocus/resto_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &Branch{}, &User{},
		&DeviceProfile{},
		&FiscalQueueEntry{}, &FiscalAuditLog{},
		&OfflineSession{}, &DailyClosing{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
