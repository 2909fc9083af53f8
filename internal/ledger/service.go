// Package ledger tracks per-user token balances with an append-only audit
// trail. Debits happen through reservations that are later committed or
// refunded exactly once, so a requester can never silently lose tokens.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vigilo/internal/metrics"
	"vigilo/internal/policy"

	"github.com/rs/zerolog/log"
)

// Journal receives finalized ledger movements for archival. Implementations
// must not block for long and must swallow their own errors; a journal
// failure never fails the ledger operation it mirrors.
type Journal interface {
	RecordSettlement(ctx context.Context, res Reservation, kind TransactionKind)
	RecordCredit(ctx context.Context, userID int64, amount int64, note string)
}

// Ledger provides token accounting on top of a Store.
type Ledger struct {
	store   Store
	journal Journal
}

// New creates a ledger service.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// SetJournal attaches an archival journal. Optional.
func (l *Ledger) SetJournal(j Journal) {
	l.journal = j
}

// EnsureUser returns the user record for id, creating a normal-role user
// with a zero balance on first contact.
func (l *Ledger) EnsureUser(ctx context.Context, id int64, username string) (*User, error) {
	user, err := l.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	if user != nil {
		if username != "" && user.Username != username {
			user.Username = username
			user.UpdatedAt = time.Now()
			if err := l.store.PutUser(ctx, *user); err != nil {
				return nil, fmt.Errorf("failed to update username for %d: %w", id, err)
			}
		}
		return user, nil
	}

	now := time.Now()
	created := User{
		ID:        id,
		Username:  username,
		Role:      policy.RoleNormal,
		Balance:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.PutUser(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to create user %d: %w", id, err)
	}

	log.Info().Int64("user_id", id).Str("username", username).Msg("user registered")
	return &created, nil
}

// GetUser returns the user record or ErrUserNotFound.
func (l *Ledger) GetUser(ctx context.Context, id int64) (*User, error) {
	user, err := l.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", id, ErrUserNotFound)
	}
	return user, nil
}

// Balance returns the current token balance for a user.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	user, err := l.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// Reserve atomically debits amount from the user's balance and returns the
// reservation tied to the task. Fails with ErrInsufficientBalance without
// touching the balance when the user cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, userID int64, taskID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	res, err := l.store.ReserveTokens(ctx, userID, taskID, amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			log.Debug().Int64("user_id", userID).Str("task_id", taskID).Int64("amount", amount).
				Msg("reservation rejected: insufficient balance")
		}
		return nil, err
	}

	metrics.TokensReservedTotal.Add(float64(amount))
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TransactionReserve)).Inc()
	log.Debug().Int64("user_id", userID).Str("task_id", taskID).
		Str("reservation_id", res.ID).Int64("amount", amount).Msg("tokens reserved")
	return res, nil
}

// Refund credits the reserved amount back to the user. A reservation can be
// settled only once; a second settlement attempt returns ErrAlreadySettled
// and is logged as an invariant violation.
func (l *Ledger) Refund(ctx context.Context, reservationID string) error {
	res, err := l.store.SettleReservation(ctx, reservationID, SettlementRefunded)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			log.Error().Str("reservation_id", reservationID).
				Msg("refund on settled reservation")
		}
		return err
	}

	metrics.TokensRefundedTotal.Add(float64(res.Amount))
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TransactionRefund)).Inc()
	log.Info().Str("reservation_id", reservationID).Int64("user_id", res.UserID).
		Int64("amount", res.Amount).Msg("reservation refunded")
	if l.journal != nil {
		l.journal.RecordSettlement(ctx, *res, TransactionRefund)
	}
	return nil
}

// Commit marks a reservation as permanently spent. The balance is untouched;
// a zero-amount commit transaction finalizes the audit record.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	res, err := l.store.SettleReservation(ctx, reservationID, SettlementCommitted)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			log.Error().Str("reservation_id", reservationID).
				Msg("commit on settled reservation")
		}
		return err
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(TransactionCommit)).Inc()
	log.Debug().Str("reservation_id", reservationID).Int64("user_id", res.UserID).
		Msg("reservation committed")
	if l.journal != nil {
		l.journal.RecordSettlement(ctx, *res, TransactionCommit)
	}
	return nil
}

// Credit adjusts a user's balance outside the reservation flow: confirmed
// purchases and admin grants (negative amounts deduct, but never below
// zero). Returns the new balance.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount int64, note string) (int64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("credit amount must be non-zero")
	}

	balance, err := l.store.CreditUser(ctx, userID, amount, note)
	if err != nil {
		return 0, err
	}

	if amount > 0 {
		metrics.TokensCreditedTotal.Add(float64(amount))
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(TransactionCredit)).Inc()
	log.Info().Int64("user_id", userID).Int64("amount", amount).
		Int64("balance", balance).Str("note", note).Msg("balance credited")
	if l.journal != nil {
		l.journal.RecordCredit(ctx, userID, amount, note)
	}
	return balance, nil
}

// History returns the most recent transactions for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]TokenTransaction, error) {
	return l.store.ListTransactionsByUser(ctx, userID, limit)
}

// UserCount returns the number of registered users.
func (l *Ledger) UserCount(ctx context.Context) (int, error) {
	return l.store.CountUsers(ctx)
}
