// This file implements a SQLite-backed transcript store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/SchemaPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore records transcripts in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite store, creating the database directory if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLite ping failed", "error", err)
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return responses, nil
}

// AddTurn records one processed turn.
func (s *SQLiteStore) AddTurn(t models.TurnRecord) error {
	_, err := s.db.Exec(`INSERT INTO turns (session_id, turn, phase_before, phase_after, user_message, reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Turn, t.PhaseBefore, t.PhaseAfter, t.UserMessage, t.Reply, t.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddTurn failed", "error", err, "session_id", t.SessionID, "turn", t.Turn)
		return fmt.Errorf("failed to insert turn %d for %s: %w", t.Turn, t.SessionID, err)
	}
	slog.Debug("SQLiteStore AddTurn succeeded", "session_id", t.SessionID, "turn", t.Turn, "phase_after", t.PhaseAfter)
	return nil
}

// GetTurns returns the turns of a session in order.
func (s *SQLiteStore) GetTurns(sessionID string) ([]models.TurnRecord, error) {
	rows, err := s.db.Query(`SELECT session_id, turn, phase_before, phase_after, user_message, reply, created_at
		FROM turns WHERE session_id = ? ORDER BY turn, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// scanTurns reads TurnRecords from rows selected in column order.
func scanTurns(rows *sql.Rows) ([]models.TurnRecord, error) {
	var turns []models.TurnRecord
	for rows.Next() {
		var t models.TurnRecord
		if err := rows.Scan(&t.SessionID, &t.Turn, &t.PhaseBefore, &t.PhaseAfter, &t.UserMessage, &t.Reply, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}
