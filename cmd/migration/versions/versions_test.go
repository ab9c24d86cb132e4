package versions_test

import (
	"testing"

	"fair_platform/cmd/migration/versions"
	"fair_platform/core/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	db := openDB(t)

	require.NoError(t, versions.Migrate(db))
	for _, table := range schema.Tables() {
		assert.True(t, db.Migrator().HasTable(table))
	}
	assert.True(t, db.Migrator().HasIndex(&schema.Training{}, "idx_trainings_model_status"))
	assert.True(t, db.Migrator().HasIndex(&schema.DispatchRecord{}, "idx_dispatch_records_batch"))

	require.NoError(t, versions.Migrate(db), "migrating twice is a no-op")

	require.NoError(t, versions.RollbackLast(db))
	assert.False(t, db.Migrator().HasIndex(&schema.DispatchRecord{}, "idx_dispatch_records_batch"))
	assert.True(t, db.Migrator().HasIndex(&schema.Training{}, "idx_trainings_model_status"))

	require.NoError(t, versions.RollbackLast(db))
	assert.False(t, db.Migrator().HasIndex(&schema.Training{}, "idx_trainings_model_status"))
	assert.True(t, db.Migrator().HasTable(&schema.Training{}))
}
