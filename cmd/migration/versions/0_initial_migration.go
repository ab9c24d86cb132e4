package versions

import (
	"fair_platform/core/schema"

	"gorm.io/gorm"
)

func Migration_0_initial_migration(txn *gorm.DB) error {
	return txn.AutoMigrate(schema.Tables()...)
}

func Rollback_0_initial_migration(txn *gorm.DB) error {
	tables := schema.Tables()
	// Children first so the foreign keys never dangle.
	for i := len(tables) - 1; i >= 0; i-- {
		if err := txn.Migrator().DropTable(tables[i]); err != nil {
			return err
		}
	}
	return nil
}
