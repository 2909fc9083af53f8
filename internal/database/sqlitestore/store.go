// Package sqlitestore implements the history archive on SQLite through
// database/sql. The driver is modernc.org/sqlite (pure Go); connections are
// opened through otelsql so archive queries show up in traces.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigilo/internal/history"

	"github.com/XSAM/otelsql"
	_ "modernc.org/sqlite"
)

var _ history.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT    NOT NULL,
	user_id    INTEGER NOT NULL,
	account_id TEXT    NOT NULL DEFAULT '',
	state      TEXT    NOT NULL,
	detail     TEXT    NOT NULL DEFAULT '',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_user ON task_history(user_id, at);
CREATE INDEX IF NOT EXISTS idx_task_history_state ON task_history(state, at);

CREATE TABLE IF NOT EXISTS ledger_history (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	task_id TEXT    NOT NULL DEFAULT '',
	kind    TEXT    NOT NULL,
	amount  INTEGER NOT NULL,
	note    TEXT    NOT NULL DEFAULT '',
	at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_history_user ON ledger_history(user_id, at);
`

// Store is a SQLite-backed history archive. Timestamps are stored as unix
// nanoseconds so ordering never depends on driver time formatting.
type Store struct {
	db *sql.DB
}

// Options represents configuration for the archive database
type Options struct {
	// Path is the SQLite file path
	Path string
}

// DefaultOptions returns sensible default options
func DefaultOptions() Options {
	return Options{
		Path: "data/history.db",
	}
}

// Open opens the archive database, creating the file and schema as needed.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = DefaultOptions().Path
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	dsn := opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := otelsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	// modernc sqlite permits a single writer; one connection sidesteps
	// SQLITE_BUSY when the recorder and queries land together.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap archive schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the archive database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertTaskEntry appends one archived task transition.
func (s *Store) InsertTaskEntry(ctx context.Context, e history.TaskEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (task_id, user_id, account_id, state, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.UserID, e.AccountID, e.State, e.Detail, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert task history row: %w", err)
	}
	return nil
}

// InsertLedgerEntry appends one archived ledger movement.
func (s *Store) InsertLedgerEntry(ctx context.Context, e history.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_history (user_id, task_id, kind, amount, note, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.TaskID, e.Kind, e.Amount, e.Note, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert ledger history row: %w", err)
	}
	return nil
}

// Tasks returns archived task transitions matching the filter, newest first.
func (s *Store) Tasks(ctx context.Context, f history.Filter) ([]history.TaskEntry, error) {
	query := `SELECT id, task_id, user_id, account_id, state, detail, at FROM task_history`
	var conds []string
	var args []any
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "at <= ?")
		args = append(args, f.Until.UnixNano())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var entries []history.TaskEntry
	for rows.Next() {
		e, err := scanTaskEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ledger returns archived ledger movements, newest first. A zero userID
// matches all users.
func (s *Store) Ledger(ctx context.Context, userID int64, limit int) ([]history.LedgerEntry, error) {
	query := `SELECT id, user_id, task_id, kind, amount, note, at FROM ledger_history`
	var args []any
	if userID != 0 {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	var entries []history.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForEachTaskEntry streams every task row in insertion order.
func (s *Store) ForEachTaskEntry(ctx context.Context, fn func(history.TaskEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, user_id, account_id, state, detail, at FROM task_history ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanTaskEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ForEachLedgerEntry streams every ledger row in insertion order.
func (s *Store) ForEachLedgerEntry(ctx context.Context, fn func(history.LedgerEntry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, task_id, kind, amount, note, at FROM ledger_history ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts reports row totals for both archive tables.
func (s *Store) Counts(ctx context.Context) (tasks int, ledgerRows int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_history`).Scan(&tasks); err != nil {
		return 0, 0, fmt.Errorf("failed to count task history: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_history`).Scan(&ledgerRows); err != nil {
		return 0, 0, fmt.Errorf("failed to count ledger history: %w", err)
	}
	return tasks, ledgerRows, nil
}

func scanTaskEntry(rows *sql.Rows) (history.TaskEntry, error) {
	var e history.TaskEntry
	var nanos int64
	if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.AccountID, &e.State, &e.Detail, &nanos); err != nil {
		return history.TaskEntry{}, fmt.Errorf("failed to scan task history row: %w", err)
	}
	e.At = time.Unix(0, nanos)
	return e, nil
}

func scanLedgerEntry(rows *sql.Rows) (history.LedgerEntry, error) {
	var e history.LedgerEntry
	var nanos int64
	if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.Kind, &e.Amount, &e.Note, &nanos); err != nil {
		return history.LedgerEntry{}, fmt.Errorf("failed to scan ledger history row: %w", err)
	}
	e.At = time.Unix(0, nanos)
	return e, nil
}
