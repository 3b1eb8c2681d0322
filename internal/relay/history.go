package relay

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CallRecord is one completed tools/call round.
type CallRecord struct {
	ID         int64     `json:"id"`
	Session    string    `json:"session"`
	Tool       string    `json:"tool"`
	Caller     string    `json:"caller"`
	DurationMs int64     `json:"durationMs"`
	IsError    bool      `json:"isError"`
	CreatedAt  time.Time `json:"createdAt"`
}

// History is the SQLite-backed audit trail of tool calls.
type History struct {
	db *sql.DB
}

// NewHistory opens the database and creates the call_history table.
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS call_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		tool TEXT NOT NULL,
		caller TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		is_error INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history table: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Record inserts one call record.
func (h *History) Record(rec CallRecord) error {
	_, err := h.db.Exec(
		`INSERT INTO call_history (session, tool, caller, duration_ms, is_error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Session, rec.Tool, rec.Caller, rec.DurationMs, rec.IsError, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by session.
func (h *History) Recent(session string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session, tool, caller, duration_ms, is_error, created_at FROM call_history`
	args := []any{}
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(&rec.ID, &rec.Session, &rec.Tool, &rec.Caller, &rec.DurationMs, &rec.IsError, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
