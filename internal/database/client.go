package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ollama_run/internal/logger"
	"ollama_run/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	session_id TEXT    NOT NULL,
	from_state TEXT    NOT NULL,
	to_state   TEXT    NOT NULL,
	pid        INTEGER NOT NULL DEFAULT 0,
	reason     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
`

// Client is the durable service transition log backed by SQLite
type Client struct {
	dbPath string
	logger *logger.Logger
	db     *sql.DB
}

// New creates a new database client
func New(dbPath string, logger *logger.Logger) *Client {
	return &Client{
		dbPath: dbPath,
		logger: logger,
	}
}

// Initialize opens the database, creating it and its schema when missing, and sets WAL mode
func (c *Client) Initialize() error {
	if c.db != nil {
		if err := c.db.Ping(); err == nil {
			c.logger.Debug("Database connection already active")
			return nil
		}
		c.logger.Warn("Existing database connection failed, reinitializing...")
		c.db.Close()
		c.db = nil
	}

	c.logger.Debug("Initializing database connection: %s", c.dbPath)

	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout lets a status query wait out a concurrent writer
	db, err := sql.Open("sqlite3", c.dbPath+"?_busy_timeout=2000")
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED=0") {
			return fmt.Errorf("SQLite driver requires CGO to be enabled. Please rebuild with CGO_ENABLED=1: %w", err)
		}
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if strings.Contains(err.Error(), "database is locked") {
			return fmt.Errorf("database is locked, another process may be using it: %w", err)
		}
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return fmt.Errorf("failed to set WAL mode: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		db.Close()
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	c.logger.Debug("Database journal mode set to: %s", journalMode)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	c.db = db
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		c.logger.Debug("Closing database connection")
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

// Record appends one transition row
func (c *Client) Record(ctx context.Context, t model.Transition) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO transitions (at, session_id, from_state, to_state, pid, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		t.At.UnixNano(), t.SessionID, string(t.From), string(t.To), t.PID, t.Reason)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first
func (c *Client) Recent(ctx context.Context, limit int) ([]model.Transition, error) {
	if c.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT at, session_id, from_state, to_state, pid, reason FROM transitions ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var (
			at       int64
			t        model.Transition
			from, to string
		)
		if err := rows.Scan(&at, &t.SessionID, &from, &to, &t.PID, &t.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		t.At = time.Unix(0, at).UTC()
		t.From, t.To = model.ServiceState(from), model.ServiceState(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	c.logger.Debug("Query returned %d rows", len(out))
	return out, nil
}
