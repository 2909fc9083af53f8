package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"vigilo/internal/accounts"

	bolt "go.etcd.io/bbolt"
)

// AccountStore provides reporting account storage backed by BoltDB.
type AccountStore struct {
	db *bolt.DB
}

var _ accounts.Store = (*AccountStore)(nil)

// GetAccount returns an account or nil if not found.
func (s *AccountStore) GetAccount(ctx context.Context, id string) (*accounts.ReportingAccount, error) {
	var acct *accounts.ReportingAccount

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAccounts)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var a accounts.ReportingAccount
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		acct = &a
		return nil
	})

	return acct, err
}

// PutAccount stores an account record.
func (s *AccountStore) PutAccount(ctx context.Context, acct accounts.ReportingAccount) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAccounts)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAccounts)
		}

		data, err := json.Marshal(acct)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return bucket.Put([]byte(acct.ID), data)
	})
}

// DeleteAccount removes an account record.
func (s *AccountStore) DeleteAccount(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAccounts)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAccounts)
		}
		return bucket.Delete([]byte(id))
	})
}

// ListAccounts returns all accounts.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]accounts.ReportingAccount, error) {
	var list []accounts.ReportingAccount

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAccounts)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var a accounts.ReportingAccount
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to unmarshal account: %w", err)
			}
			list = append(list, a)
			return nil
		})
	})

	return list, err
}

// UpdateAccount applies mutate to the stored account atomically. A mutate
// error aborts the transaction.
func (s *AccountStore) UpdateAccount(ctx context.Context, id string, mutate func(*accounts.ReportingAccount) error) (*accounts.ReportingAccount, error) {
	var updated accounts.ReportingAccount

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAccounts)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAccounts)
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("account %s: %w", id, accounts.ErrAccountNotFound)
		}

		var acct accounts.ReportingAccount
		if err := json.Unmarshal(data, &acct); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}

		if err := mutate(&acct); err != nil {
			return err
		}

		out, err := json.Marshal(acct)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		if err := bucket.Put([]byte(id), out); err != nil {
			return err
		}

		updated = acct
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}
