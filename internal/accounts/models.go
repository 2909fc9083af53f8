package accounts

import (
	"errors"
	"time"
)

// Sentinel errors for pool operations.
var (
	// ErrNoAccountAvailable is returned when no account qualifies for
	// selection. Transient: callers retry with backoff instead of failing
	// the task.
	ErrNoAccountAvailable = errors.New("no account available")

	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInvalidTransition = errors.New("invalid account status transition")
)

// Status represents a reporting account's health state
type Status string

const (
	StatusActive   Status = "active"
	StatusCooling  Status = "cooling"
	StatusBanned   Status = "banned"
	StatusDisabled Status = "disabled"
)

// ReportingAccount represents one secondary account used to execute reports.
// The credential reference is opaque here; only the executor interprets it.
type ReportingAccount struct {
	ID                  string    `json:"id"`
	SessionRef          string    `json:"session_ref"`
	Status              Status    `json:"status"`
	StatusReason        string    `json:"status_reason,omitempty"`
	LastUsedAt          time.Time `json:"last_used_at"`
	WindowStart         time.Time `json:"window_start"`
	WindowCount         int       `json:"window_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Usage is the outcome of one execution attempt, as recorded against the
// account that performed it.
type Usage struct {
	Success   bool
	BanSignal bool
	Detail    string
}
