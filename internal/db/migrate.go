package db

import (
	"tradecore/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Order{},
		&models.OrphanOrder{},
		&models.QuarantineEntry{},
		&models.Position{},
		&models.SyncState{},
		&models.OverrideAudit{},
		&models.SystemSetting{},
	)
}
