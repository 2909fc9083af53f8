package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"vigilo/internal/ledger"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// LedgerStore provides token ledger storage backed by BoltDB. The semantic
// operations each run in a single update transaction, so concurrent
// reservations against one user can never overdraw the balance.
type LedgerStore struct {
	db *bolt.DB
}

var _ ledger.Store = (*LedgerStore)(nil)

func userKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// txnUserKey orders a user's transactions by creation time; the id suffix
// keeps keys unique within one nanosecond.
func txnUserKey(userID int64, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%d:%020d:%s", userID, createdAt.UnixNano(), id))
}

// GetUser returns a user or nil if not found.
func (s *LedgerStore) GetUser(ctx context.Context, id int64) (*ledger.User, error) {
	var user *ledger.User

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketUsers)
		}

		data := bucket.Get(userKey(id))
		if data == nil {
			return nil
		}

		var u ledger.User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		user = &u
		return nil
	})

	return user, err
}

// PutUser stores a user record.
func (s *LedgerStore) PutUser(ctx context.Context, user ledger.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketUsers)
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		return bucket.Put(userKey(user.ID), data)
	})
}

// ListUsers returns all registered users.
func (s *LedgerStore) ListUsers(ctx context.Context) ([]ledger.User, error) {
	var users []ledger.User

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var u ledger.User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
			users = append(users, u)
			return nil
		})
	})

	return users, err
}

// CountUsers returns the number of registered users.
func (s *LedgerStore) CountUsers(ctx context.Context) (int, error) {
	var count int

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketUsers)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})

	return count, err
}

// ReserveTokens atomically checks the balance, debits it, creates the
// reservation and appends the reserve transaction. Returns
// ledger.ErrInsufficientBalance without side effects when the balance is
// short.
func (s *LedgerStore) ReserveTokens(ctx context.Context, userID int64, taskID string, amount int64) (*ledger.Reservation, error) {
	var res ledger.Reservation

	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(BucketUsers)
		if users == nil {
			return fmt.Errorf("bucket not found: %s", BucketUsers)
		}

		data := users.Get(userKey(userID))
		if data == nil {
			return fmt.Errorf("user %d: %w", userID, ledger.ErrUserNotFound)
		}

		var user ledger.User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}

		if user.Balance < amount {
			return fmt.Errorf("balance %d, need %d: %w", user.Balance, amount, ledger.ErrInsufficientBalance)
		}

		now := time.Now()
		user.Balance -= amount
		user.UpdatedAt = now

		updated, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := users.Put(userKey(userID), updated); err != nil {
			return err
		}

		res = ledger.Reservation{
			ID:        uuid.NewString(),
			UserID:    userID,
			TaskID:    taskID,
			Amount:    amount,
			CreatedAt: now,
		}
		resData, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}

		reservations := tx.Bucket(BucketReservations)
		if reservations == nil {
			return fmt.Errorf("bucket not found: %s", BucketReservations)
		}
		if err := reservations.Put([]byte(res.ID), resData); err != nil {
			return err
		}

		return appendTransaction(tx, ledger.TokenTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			TaskID:    taskID,
			Kind:      ledger.TransactionReserve,
			Amount:    -amount,
			Balance:   user.Balance,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// SettleReservation finalizes a reservation exactly once. A refund credits
// the amount back to the user; a commit leaves the balance as is. Both
// append the matching audit transaction in the same update transaction.
func (s *LedgerStore) SettleReservation(ctx context.Context, id string, settlement ledger.Settlement) (*ledger.Reservation, error) {
	var res ledger.Reservation

	err := s.db.Update(func(tx *bolt.Tx) error {
		reservations := tx.Bucket(BucketReservations)
		if reservations == nil {
			return fmt.Errorf("bucket not found: %s", BucketReservations)
		}

		data := reservations.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", id, ledger.ErrReservationNotFound)
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to unmarshal reservation: %w", err)
		}

		if res.Settled {
			return fmt.Errorf("reservation %s already %s: %w", id, res.Settlement, ledger.ErrAlreadySettled)
		}

		now := time.Now()
		res.Settled = true
		res.Settlement = settlement
		res.SettledAt = &now

		resData, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}
		if err := reservations.Put([]byte(id), resData); err != nil {
			return err
		}

		users := tx.Bucket(BucketUsers)
		if users == nil {
			return fmt.Errorf("bucket not found: %s", BucketUsers)
		}
		userData := users.Get(userKey(res.UserID))
		if userData == nil {
			return fmt.Errorf("user %d: %w", res.UserID, ledger.ErrUserNotFound)
		}
		var user ledger.User
		if err := json.Unmarshal(userData, &user); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}

		txn := ledger.TokenTransaction{
			ID:        uuid.NewString(),
			UserID:    res.UserID,
			TaskID:    res.TaskID,
			CreatedAt: now,
		}

		if settlement == ledger.SettlementRefunded {
			user.Balance += res.Amount
			user.UpdatedAt = now
			updated, err := json.Marshal(user)
			if err != nil {
				return fmt.Errorf("failed to marshal user: %w", err)
			}
			if err := users.Put(userKey(user.ID), updated); err != nil {
				return err
			}
			txn.Kind = ledger.TransactionRefund
			txn.Amount = res.Amount
		} else {
			txn.Kind = ledger.TransactionCommit
		}
		txn.Balance = user.Balance

		return appendTransaction(tx, txn)
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// GetReservation returns a reservation or nil if not found.
func (s *LedgerStore) GetReservation(ctx context.Context, id string) (*ledger.Reservation, error) {
	var res *ledger.Reservation

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketReservations)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var r ledger.Reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal reservation: %w", err)
		}
		res = &r
		return nil
	})

	return res, err
}

// CreditUser adjusts a user's balance, creating the user row if needed.
// Negative amounts may not drive the balance below zero.
func (s *LedgerStore) CreditUser(ctx context.Context, userID int64, amount int64, note string) (int64, error) {
	var balance int64

	err := s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(BucketUsers)
		if users == nil {
			return fmt.Errorf("bucket not found: %s", BucketUsers)
		}

		now := time.Now()
		user := ledger.User{ID: userID, CreatedAt: now}
		if data := users.Get(userKey(userID)); data != nil {
			if err := json.Unmarshal(data, &user); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
		}

		if user.Balance+amount < 0 {
			return fmt.Errorf("balance %d, adjustment %d: %w", user.Balance, amount, ledger.ErrInsufficientBalance)
		}

		user.Balance += amount
		user.UpdatedAt = now
		balance = user.Balance

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := users.Put(userKey(userID), data); err != nil {
			return err
		}

		return appendTransaction(tx, ledger.TokenTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      ledger.TransactionCredit,
			Amount:    amount,
			Balance:   user.Balance,
			Note:      note,
			CreatedAt: now,
		})
	})

	return balance, err
}

// ListTransactionsByUser returns a user's audit trail, newest first.
func (s *LedgerStore) ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]ledger.TokenTransaction, error) {
	var txns []ledger.TokenTransaction

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketTransactionUserIndex)
		if index == nil {
			return nil
		}
		transactions := tx.Bucket(BucketTransactions)
		if transactions == nil {
			return nil
		}

		cursor := index.Cursor()
		prefix := []byte(fmt.Sprintf("%d:", userID))

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			// v is the transaction ID
			data := transactions.Get(v)
			if data == nil {
				continue
			}

			var txn ledger.TokenTransaction
			if err := json.Unmarshal(data, &txn); err != nil {
				continue
			}
			txns = append(txns, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Index order is oldest first; callers want the most recent entries.
	for i, j := 0, len(txns)-1; i < j; i, j = i+1, j-1 {
		txns[i], txns[j] = txns[j], txns[i]
	}
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}

	return txns, nil
}

// appendTransaction writes one audit entry plus its user index row inside
// the caller's update transaction.
func appendTransaction(tx *bolt.Tx, txn ledger.TokenTransaction) error {
	transactions := tx.Bucket(BucketTransactions)
	if transactions == nil {
		return fmt.Errorf("bucket not found: %s", BucketTransactions)
	}
	index := tx.Bucket(BucketTransactionUserIndex)
	if index == nil {
		return fmt.Errorf("bucket not found: %s", BucketTransactionUserIndex)
	}

	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := transactions.Put([]byte(txn.ID), data); err != nil {
		return err
	}
	return index.Put(txnUserKey(txn.UserID, txn.CreatedAt, txn.ID), []byte(txn.ID))
}
