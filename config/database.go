package config

import (
	"database/sql"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DatabasePath = "./data/fleetmirror.db"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id TEXT PRIMARY KEY,
	serial TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_events_serial ON session_events(serial);
CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);
`

// InitDatabase initializes the SQLite event ledger
func InitDatabase() (*sql.DB, error) {
	// Create data directory if not exists
	if err := os.MkdirAll("./data", 0755); err != nil {
		return nil, err
	}

	// Open database
	db, err := sql.Open("sqlite3", DatabasePath)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Create schema
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	log.Println("Database initialized successfully")
	return db, nil
}
