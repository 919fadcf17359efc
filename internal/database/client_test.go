package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ollama_run/internal/logger"
	"ollama_run/model"
)

func TestDatabaseInitialization(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")

	client := New(dbPath, logger.NewNop())
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatal("database should not exist before initialization")
	}

	if err := client.Initialize(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file should exist after initialization: %v", err)
	}

	var journalMode string
	if err := client.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("Expected journal mode to be 'wal', got '%s'", journalMode)
	}

	// Double initialization should not fail
	if err := client.Initialize(); err != nil {
		t.Fatalf("Failed to initialize database second time: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}
	if client.db != nil {
		t.Fatal("Database connection should be nil after close")
	}
}

func TestRecordAndRecent(t *testing.T) {
	client := New(filepath.Join(t.TempDir(), "history.db"), logger.NewNop())
	if err := client.Initialize(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	steps := []model.Transition{
		{At: base, SessionID: "s1", From: model.StateStopped, To: model.StateStarting, Reason: "start"},
		{At: base.Add(time.Second), SessionID: "s1", From: model.StateStarting, To: model.StateRunning, PID: 4242},
		{At: base.Add(time.Minute), SessionID: "s2", From: model.StateRunning, To: model.StateStopping, PID: 4242, Reason: "critical battery"},
	}
	for _, s := range steps {
		if err := client.Record(ctx, s); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := client.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(got))
	}
	if !sameTransition(got[0], steps[2]) {
		t.Errorf("newest row = %+v, want %+v", got[0], steps[2])
	}
	if !sameTransition(got[1], steps[1]) {
		t.Errorf("second row = %+v, want %+v", got[1], steps[1])
	}

	all, err := client.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(all))
	}
}

func TestRecordWithoutInitialize(t *testing.T) {
	client := New(filepath.Join(t.TempDir(), "history.db"), logger.NewNop())
	if err := client.Record(context.Background(), model.Transition{}); err == nil {
		t.Fatal("expected error on uninitialized client")
	}
}

func sameTransition(a, b model.Transition) bool {
	return a.At.Equal(b.At) && a.SessionID == b.SessionID && a.From == b.From &&
		a.To == b.To && a.PID == b.PID && a.Reason == b.Reason
}
