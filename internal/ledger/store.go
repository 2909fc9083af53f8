package ledger

import "context"

// Store defines the persistence interface for users, reservations and the
// transaction audit trail. Implementations must be safe for concurrent use,
// and the three mutation operations must each be atomic: concurrent
// ReserveTokens calls against one user may never overdraw the balance.
type Store interface {
	// Users
	GetUser(ctx context.Context, id int64) (*User, error)
	PutUser(ctx context.Context, user User) error
	ListUsers(ctx context.Context) ([]User, error)
	CountUsers(ctx context.Context) (int, error)

	// Reservations. ReserveTokens checks balance >= amount, debits, creates
	// the reservation and appends the reserve transaction in one atomic step.
	// SettleReservation marks the reservation settled, credits the amount
	// back when the settlement is a refund, and appends the matching
	// transaction; settling twice returns ErrAlreadySettled.
	ReserveTokens(ctx context.Context, userID int64, taskID string, amount int64) (*Reservation, error)
	SettleReservation(ctx context.Context, id string, settlement Settlement) (*Reservation, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// CreditUser adjusts a balance by amount (negative for admin deductions,
	// never below zero), creating the user row if needed, and appends the
	// credit transaction. Returns the new balance.
	CreditUser(ctx context.Context, userID int64, amount int64, note string) (int64, error)

	// Audit trail
	ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]TokenTransaction, error)
}
