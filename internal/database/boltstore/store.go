// Package boltstore provides persistent storage using BoltDB (bbolt).
// It implements the ledger, accounts, report and payments store interfaces
// over a single database file.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketUsers stores registered users keyed by decimal Telegram id
	BucketUsers = []byte("users")

	// BucketAccounts stores reporting accounts keyed by account id
	BucketAccounts = []byte("accounts")

	// BucketTasks stores report tasks keyed by task id
	BucketTasks = []byte("tasks")

	// BucketTaskUserIndex indexes tasks by "userID:createdNano:taskID"
	BucketTaskUserIndex = []byte("task_user_index")

	// BucketTaskStateIndex indexes tasks by "state:taskID"
	BucketTaskStateIndex = []byte("task_state_index")

	// BucketReservations stores token reservations keyed by reservation id
	BucketReservations = []byte("reservations")

	// BucketTransactions stores the token audit trail keyed by transaction id
	BucketTransactions = []byte("transactions")

	// BucketTransactionUserIndex indexes transactions by "userID:createdNano:txnID"
	BucketTransactionUserIndex = []byte("transaction_user_index")

	// BucketPurchases stores token purchases keyed by purchase id
	BucketPurchases = []byte("purchases")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "data/vigilo.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "data/vigilo.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketUsers,
			BucketAccounts,
			BucketTasks,
			BucketTaskUserIndex,
			BucketTaskStateIndex,
			BucketReservations,
			BucketTransactions,
			BucketTransactionUserIndex,
			BucketPurchases,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// LedgerStore returns a token ledger store backed by this database.
func (s *Store) LedgerStore() *LedgerStore {
	return &LedgerStore{db: s.db}
}

// AccountStore returns a reporting account store backed by this database.
func (s *Store) AccountStore() *AccountStore {
	return &AccountStore{db: s.db}
}

// TaskStore returns a report task store backed by this database.
func (s *Store) TaskStore() *TaskStore {
	return &TaskStore{db: s.db}
}

// PurchaseStore returns a purchase store backed by this database.
func (s *Store) PurchaseStore() *PurchaseStore {
	return &PurchaseStore{db: s.db}
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}

// hasPrefix checks if a byte slice has a given prefix.
func hasPrefix(s, prefix []byte) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if s[i] != b {
			return false
		}
	}
	return true
}
