// internal/db/migrations.go
package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateDailyLogUniqueIndex makes sure the one-row-per-plant-per-day
// invariant is backed by a unique index even on databases that predate
// the gorm tag. Soft-deleted rows must not block re-creation, hence
// the deleted_at-aware variants.
func MigrateDailyLogUniqueIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if !db.Migrator().HasTable("plant_daily_logs") {
		return nil
	}
	if db.Migrator().HasIndex("plant_daily_logs", "uq_plant_date") {
		return nil
	}

	switch db.Dialector.Name() {
	case "mysql":
		return db.Exec("CREATE UNIQUE INDEX `uq_plant_date` ON `plant_daily_logs` (`plant_id`, `log_date`)").Error
	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uq_plant_date ON "plant_daily_logs" ("plant_id", "log_date") WHERE "deleted_at" IS NULL`).Error
	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uq_plant_date ON plant_daily_logs (plant_id, log_date)`).Error
	default:
		return fmt.Errorf("unsupported dialect: %s", db.Dialector.Name())
	}
}
