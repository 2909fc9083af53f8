package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"vigilo/internal/accounts"
	"vigilo/internal/database/boltstore"
	"vigilo/internal/events"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TestSeedPoolLogging verifies that pool seeding logs machine-readable JSON
func TestSeedPoolLogging(t *testing.T) {
	// Create a buffer to capture log output
	var buf bytes.Buffer

	// Configure zerolog to write JSON to our buffer
	originalLogger := log.Logger
	defer func() {
		log.Logger = originalLogger
	}()

	log.Logger = zerolog.New(&buf).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	db, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "seed.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	pool := accounts.NewPool(db.AccountStore(), accounts.Config{}, events.NewHub())

	seeds := []seedAccount{
		{ID: "acct-01", SessionRef: "sessions/acct-01.session"},
		{ID: "acct-02", SessionRef: "sessions/acct-02.session"},
	}

	added := seedPool(context.Background(), pool, seeds)
	if added != 2 {
		t.Fatalf("Expected 2 accounts added, got %d", added)
	}

	// Seeding the same list again must not re-add anything
	added = seedPool(context.Background(), pool, seeds)
	if added != 0 {
		t.Errorf("Expected 0 accounts added on reseed, got %d", added)
	}

	logOutput := buf.String()

	if !strings.Contains(logOutput, "Account pool seeded") {
		t.Errorf("Log output missing expected message. Got: %s", logOutput)
	}

	// Find the first summary line and verify its structure
	var summary map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(logOutput), "\n") {
		if !strings.Contains(line, "Account pool seeded") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &summary); err != nil {
			t.Fatalf("Failed to parse log as JSON: %v\nLine: %s", err, line)
		}
		break
	}
	if summary == nil {
		t.Fatal("No summary log line found")
	}

	if summary["added"] != float64(2) {
		t.Errorf("Expected added=2, got %v", summary["added"])
	}
	if summary["listed"] != float64(2) {
		t.Errorf("Expected listed=2, got %v", summary["listed"])
	}

	// Per-account lines carry the account id
	for _, id := range []string{"acct-01", "acct-02"} {
		if !strings.Contains(logOutput, id) {
			t.Errorf("Expected account id %s in log output", id)
		}
	}
}
