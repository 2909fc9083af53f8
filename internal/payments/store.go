package payments

import "context"

// Store defines the persistence interface for purchases. UpdatePurchase
// applies mutate atomically so a purchase can only be settled once.
type Store interface {
	CreatePurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	UpdatePurchase(ctx context.Context, id string, mutate func(*Purchase) error) (*Purchase, error)

	ListPurchasesByUser(ctx context.Context, userID int64, limit int) ([]Purchase, error)
	ListPurchasesByState(ctx context.Context, state PurchaseState, limit int) ([]Purchase, error)
	CountPurchasesByState(ctx context.Context, state PurchaseState) (int, error)
}
