package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"waflow/internal/migrations"
)

// Applies the initial schema to a fresh or existing database file. The
// schema uses IF NOT EXISTS throughout, so re-running is safe.
func main() {
	dbPath := flag.String("db", "./waflow.db", "Path to the database file")
	flag.Parse()

	db, err := sql.Open("sqlite3", *dbPath+"?_foreign_keys=on")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		log.Fatalf("Failed to read schema: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	fmt.Println("Schema applied successfully")
}
