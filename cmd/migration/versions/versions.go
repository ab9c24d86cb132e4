package versions

import (
	"fmt"
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID:       "0_initial_migration",
			Migrate:  Migration_0_initial_migration,
			Rollback: Rollback_0_initial_migration,
		},
		{
			ID:       "1_training_status_index",
			Migrate:  Migration_1_training_status_index,
			Rollback: Rollback_1_training_status_index,
		},
		{
			ID:       "2_dispatch_batch_index",
			Migrate:  Migration_2_dispatch_batch_index,
			Rollback: Rollback_2_dispatch_batch_index,
		},
	}
}

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	options := *gormigrate.DefaultOptions
	options.UseTransaction = true
	return gormigrate.New(db, &options, Migrations())
}

// Migrate brings the schema up to the latest version.
func Migrate(db *gorm.DB) error {
	if err := migrator(db).Migrate(); err != nil {
		return fmt.Errorf("error migrating db schema: %w", err)
	}
	slog.Info("db schema is up to date", "version", latest())
	return nil
}

// RollbackLast undoes the most recent migration.
func RollbackLast(db *gorm.DB) error {
	if err := migrator(db).RollbackLast(); err != nil {
		return fmt.Errorf("error rolling back db schema: %w", err)
	}
	return nil
}

func latest() string {
	migrations := Migrations()
	return migrations[len(migrations)-1].ID
}
