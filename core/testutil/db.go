package testutil

import (
	"testing"

	"fair_platform/core/schema"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns a migrated in-memory database. It is limited to a single
// connection so that every goroutine sees the same database and transactions
// are serialized.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(schema.Tables()...); err != nil {
		t.Fatal(err)
	}

	return db
}

var (
	Alice = schema.Principal{Id: 1001, Username: "alice"}
	Bob   = schema.Principal{Id: 1002, Username: "bob"}
	Admin = schema.Principal{Id: 1, Username: "admin", IsAdmin: true}
)
