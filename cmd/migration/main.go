package main

import (
	"flag"
	"log"

	"fair_platform/cmd/migration/versions"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	dsn := flag.String("db", "", "Postgres dsn of the database to migrate")
	rollback := flag.Bool("rollback", false, "Roll back the most recent migration instead of migrating")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("-db must be specified")
	}

	db, err := gorm.Open(postgres.Open(*dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if *rollback {
		err = versions.RollbackLast(db)
	} else {
		err = versions.Migrate(db)
	}
	if err != nil {
		log.Fatal(err)
	}
}
