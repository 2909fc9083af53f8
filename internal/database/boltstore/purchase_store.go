package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"vigilo/internal/payments"

	bolt "go.etcd.io/bbolt"
)

// PurchaseStore provides token purchase storage backed by BoltDB. The
// purchase volume is small, so listings scan the bucket and filter rather
// than maintaining index buckets.
type PurchaseStore struct {
	db *bolt.DB
}

var _ payments.Store = (*PurchaseStore)(nil)

// CreatePurchase stores a new purchase record.
func (s *PurchaseStore) CreatePurchase(ctx context.Context, p payments.Purchase) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPurchases)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketPurchases)
		}

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal purchase: %w", err)
		}
		return bucket.Put([]byte(p.ID), data)
	})
}

// GetPurchase returns a purchase or nil if not found.
func (s *PurchaseStore) GetPurchase(ctx context.Context, id string) (*payments.Purchase, error) {
	var purchase *payments.Purchase

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPurchases)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var p payments.Purchase
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal purchase: %w", err)
		}
		purchase = &p
		return nil
	})

	return purchase, err
}

// UpdatePurchase applies mutate to the stored purchase atomically. A mutate
// error aborts the transaction, which is what keeps double confirmation out.
func (s *PurchaseStore) UpdatePurchase(ctx context.Context, id string, mutate func(*payments.Purchase) error) (*payments.Purchase, error) {
	var updated payments.Purchase

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPurchases)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketPurchases)
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("purchase %s: %w", id, payments.ErrPurchaseNotFound)
		}

		var p payments.Purchase
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal purchase: %w", err)
		}

		if err := mutate(&p); err != nil {
			return err
		}

		out, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal purchase: %w", err)
		}
		if err := bucket.Put([]byte(id), out); err != nil {
			return err
		}

		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// ListPurchasesByUser returns a user's purchases, newest first.
func (s *PurchaseStore) ListPurchasesByUser(ctx context.Context, userID int64, limit int) ([]payments.Purchase, error) {
	list, err := s.scan(func(p payments.Purchase) bool { return p.UserID == userID })
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListPurchasesByState returns purchases in the given state, oldest first.
func (s *PurchaseStore) ListPurchasesByState(ctx context.Context, state payments.PurchaseState, limit int) ([]payments.Purchase, error) {
	list, err := s.scan(func(p payments.Purchase) bool { return p.State == state })
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// CountPurchasesByState returns the number of purchases in the given state.
func (s *PurchaseStore) CountPurchasesByState(ctx context.Context, state payments.PurchaseState) (int, error) {
	list, err := s.scan(func(p payments.Purchase) bool { return p.State == state })
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *PurchaseStore) scan(keep func(payments.Purchase) bool) ([]payments.Purchase, error) {
	var list []payments.Purchase

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketPurchases)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var p payments.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal purchase: %w", err)
			}
			if keep(p) {
				list = append(list, p)
			}
			return nil
		})
	})

	return list, err
}
