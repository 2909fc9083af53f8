// Package history archives finished work in a relational store kept apart
// from the operational database: one row per terminal task transition and
// one per settled ledger movement. The archive backs the bot's /history
// command, the ops task listings and the compressed JSONL export.
package history

import (
	"context"
	"time"
)

// TaskEntry represents one archived task transition.
type TaskEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    int64     `json:"user_id"`
	AccountID string    `json:"account_id,omitempty"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// LedgerEntry represents one archived ledger movement.
type LedgerEntry struct {
	ID     int64     `json:"id"`
	UserID int64     `json:"user_id"`
	TaskID string    `json:"task_id,omitempty"`
	Kind   string    `json:"kind"`
	Amount int64     `json:"amount"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Filter narrows task archive queries. Zero-valued fields match everything.
type Filter struct {
	UserID int64
	State  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Store defines the persistence interface for the archive.
type Store interface {
	InsertTaskEntry(ctx context.Context, e TaskEntry) error
	InsertLedgerEntry(ctx context.Context, e LedgerEntry) error
	Tasks(ctx context.Context, f Filter) ([]TaskEntry, error)
	Ledger(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error)
	ForEachTaskEntry(ctx context.Context, fn func(TaskEntry) error) error
	ForEachLedgerEntry(ctx context.Context, fn func(LedgerEntry) error) error
	Counts(ctx context.Context) (tasks int, ledgerRows int, err error)
}
