package accounts

import "context"

// Store defines the persistence interface for reporting accounts.
// Implementations must be safe for concurrent use. UpdateAccount applies
// mutate atomically: no other writer may interleave between the read and
// the write of the record.
type Store interface {
	GetAccount(ctx context.Context, id string) (*ReportingAccount, error)
	PutAccount(ctx context.Context, acct ReportingAccount) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccounts(ctx context.Context) ([]ReportingAccount, error)
	UpdateAccount(ctx context.Context, id string, mutate func(*ReportingAccount) error) (*ReportingAccount, error)
}
