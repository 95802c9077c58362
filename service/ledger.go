package service

import (
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
)

// LedgerEvent is one recorded session lifecycle event
type LedgerEvent struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger persists session lifecycle events to SQLite. A nil Ledger is
// safe to call; everything becomes a no-op so sessions run without a
// database in dev setups.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	if db == nil {
		return nil
	}
	return &Ledger{db: db}
}

// Record stores one event; failures are logged, never surfaced to the
// session worker
func (l *Ledger) Record(serial, kind, detail string) {
	if l == nil {
		return
	}
	_, err := l.db.Exec(
		"INSERT INTO session_events (id, serial, kind, detail) VALUES (?, ?, ?, ?)",
		uuid.New().String(), serial, kind, detail,
	)
	if err != nil {
		log.Printf("⚠️ [%s] Failed to record ledger event: %v", serial, err)
	}
}

// Events returns the most recent events for a serial, newest first
func (l *Ledger) Events(serial string, limit int) ([]LedgerEvent, error) {
	if l == nil {
		return nil, nil
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.Query(
		"SELECT id, serial, kind, COALESCE(detail, ''), created_at FROM session_events WHERE serial = ? ORDER BY created_at DESC LIMIT ?",
		serial, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LedgerEvent
	for rows.Next() {
		var e LedgerEvent
		if err := rows.Scan(&e.ID, &e.Serial, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
