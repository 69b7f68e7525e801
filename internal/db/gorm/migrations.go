// Package gorm provides GORM-based storage for finished posture sessions.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: session records
		{
			ID: "001_posture_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PostureSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("posture_sessions")
			},
		},

		// Migration 002: per-endpoint listing
		{
			ID: "002_posture_sessions_endpoint_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_posture_sessions_endpoint
					ON posture_sessions(endpoint_id, recorded_at_epoch DESC)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_posture_sessions_endpoint").Error
			},
		},
	})

	return m.Migrate()
}
