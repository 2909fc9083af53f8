package ledger

import (
	"errors"
	"time"

	"vigilo/internal/policy"
)

// Sentinel errors for ledger operations.
var (
	// ErrInsufficientBalance is returned when a debit would overdraw a balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadySettled is returned when a settled reservation is settled again.
	// Callers treat this as an invariant violation, not a benign no-op.
	ErrAlreadySettled = errors.New("reservation already settled")

	// ErrReservationNotFound is returned for unknown reservation ids.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrUserNotFound is returned for unknown user ids.
	ErrUserNotFound = errors.New("user not found")
)

// User represents a registered bot user and their token balance.
// The balance is mutated only through ledger store operations.
type User struct {
	ID        int64       `json:"id"`
	Username  string      `json:"username,omitempty"`
	Role      policy.Role `json:"role"`
	Balance   int64       `json:"balance"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Settlement represents how a reservation was finalized
type Settlement string

const (
	SettlementCommitted Settlement = "committed"
	SettlementRefunded  Settlement = "refunded"
)

// Reservation represents a provisional token debit tied to one report task.
// It is later committed (spent) or refunded, exactly once.
type Reservation struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	TaskID     string     `json:"task_id"`
	Amount     int64      `json:"amount"`
	Settled    bool       `json:"settled"`
	Settlement Settlement `json:"settlement,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// TransactionKind represents the kind of ledger entry
type TransactionKind string

const (
	TransactionReserve TransactionKind = "reserve"
	TransactionRefund  TransactionKind = "refund"
	TransactionCommit  TransactionKind = "commit"
	TransactionCredit  TransactionKind = "credit"
)

// TokenTransaction is one immutable entry in the per-user audit trail.
// Amount is negative for debits, positive for credits, zero for the
// commit entry that finalizes a spent reservation.
type TokenTransaction struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"user_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Kind      TransactionKind `json:"kind"`
	Amount    int64           `json:"amount"`
	Balance   int64           `json:"balance"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
