// Package payments sells token packages: purchase records, UPI deep links
// and QR rendering, Telegram Stars pricing, and the admin confirmation flow
// that credits the ledger.
package payments

import (
	"errors"
	"time"
)

// Sentinel errors for purchase operations.
var (
	// ErrPackageNotFound is returned for unknown package ids.
	ErrPackageNotFound = errors.New("package not found")

	// ErrPurchaseNotFound is returned for unknown purchase ids.
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrPurchaseSettled is returned when a purchase is confirmed or expired
	// more than once. Tokens are credited exactly once.
	ErrPurchaseSettled = errors.New("purchase already settled")
)

// Method represents how a purchase is paid
type Method string

const (
	MethodUPI   Method = "upi"
	MethodStars Method = "stars"
)

// Valid reports whether the payment method is known.
func (m Method) Valid() bool {
	return m == MethodUPI || m == MethodStars
}

// PurchaseState represents the lifecycle state of a purchase
type PurchaseState string

const (
	PurchasePending   PurchaseState = "pending"
	PurchaseCompleted PurchaseState = "completed"
	PurchaseExpired   PurchaseState = "expired"
)

// Package represents a purchasable token bundle.
type Package struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Tokens     int64  `json:"tokens"`
	PriceStars int    `json:"price_stars"`
	PriceINR   int    `json:"price_inr"`
}

var catalog = []Package{
	{ID: "basic", Title: "Basic", Tokens: 5, PriceStars: 50, PriceINR: 50},
	{ID: "standard", Title: "Standard", Tokens: 15, PriceStars: 120, PriceINR: 120},
	{ID: "premium", Title: "Premium", Tokens: 35, PriceStars: 250, PriceINR: 250},
	{ID: "pro", Title: "Pro", Tokens: 100, PriceStars: 500, PriceINR: 500},
}

// Catalog returns the fixed package list in display order.
func Catalog() []Package {
	out := make([]Package, len(catalog))
	copy(out, catalog)
	return out
}

// PackageByID looks up a package by id.
func PackageByID(id string) (Package, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Purchase represents one token purchase attempt by a user.
type Purchase struct {
	ID          string        `json:"id"`
	UserID      int64         `json:"user_id"`
	PackageID   string        `json:"package_id"`
	Tokens      int64         `json:"tokens"`
	PriceStars  int           `json:"price_stars"`
	PriceINR    int           `json:"price_inr"`
	Method      Method        `json:"method"`
	State       PurchaseState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ConfirmedBy int64         `json:"confirmed_by,omitempty"`
}
