package main

import (
	"gorm.io/gorm"

	"github.com/dockhand/engine/internal/models"
)

// runMigrations executes all database migrations
func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(models.Registry()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addRunTargetStateIndex,
		addRunFinishedIndex,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

// addRunTargetStateIndex serves the admission lookup of a target's pending run.
func addRunTargetStateIndex(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_target_state ON runs(target, state, created_at)`).Error
}

// addRunFinishedIndex serves the retention purge.
func addRunFinishedIndex(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_terminal_finished
		ON runs(finished_at)
		WHERE state IN ('succeeded', 'failed', 'rolled_back', 'cancelled')
	`).Error
}
