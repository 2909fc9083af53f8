package payments

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"time"

	"vigilo/internal/ledger"
	"vigilo/internal/metrics"

	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"
)

// Config holds the payee details and purchase expiry.
type Config struct {
	// UPIVPA is the collection VPA purchases are paid to.
	UPIVPA string
	// UPIPayee is the display name shown in UPI apps.
	UPIPayee string
	// PendingTTL is how long a pending purchase stays confirmable.
	// Zero means 24 hours.
	PendingTTL time.Duration
}

// Service manages token purchases. Permission checks live with the callers
// (bot commands and the ops API guard admin access before confirming).
type Service struct {
	store  Store
	ledger *ledger.Ledger
	cfg    Config
}

// NewService creates a payments service.
func NewService(store Store, led *ledger.Ledger, cfg Config) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 24 * time.Hour
	}
	return &Service{store: store, ledger: led, cfg: cfg}
}

// Begin opens a pending purchase of the given package for the user.
func (s *Service) Begin(ctx context.Context, userID int64, packageID string, method Method) (*Purchase, error) {
	pkg, ok := PackageByID(packageID)
	if !ok {
		return nil, fmt.Errorf("package %q: %w", packageID, ErrPackageNotFound)
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unknown payment method %q", method)
	}

	p := Purchase{
		ID:         uuid.NewString(),
		UserID:     userID,
		PackageID:  pkg.ID,
		Tokens:     pkg.Tokens,
		PriceStars: pkg.PriceStars,
		PriceINR:   pkg.PriceINR,
		Method:     method,
		State:      PurchasePending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to persist purchase: %w", err)
	}

	metrics.PurchasesTotal.WithLabelValues(pkg.ID, string(PurchasePending)).Inc()
	log.Info().Str("purchase_id", p.ID).Int64("user_id", userID).
		Str("package", pkg.ID).Str("method", string(method)).Msg("purchase started")
	return &p, nil
}

// GetPurchase returns a purchase or ErrPurchaseNotFound.
func (s *Service) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("purchase %s: %w", id, ErrPurchaseNotFound)
	}
	return p, nil
}

// ListByUser returns a user's purchases, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]Purchase, error) {
	return s.store.ListPurchasesByUser(ctx, userID, limit)
}

// ListPending returns pending purchases, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Purchase, error) {
	return s.store.ListPurchasesByState(ctx, PurchasePending, limit)
}

// Confirm settles a pending purchase and credits the tokens. The state
// transition is atomic, so racing confirmations credit exactly once; the
// loser gets ErrPurchaseSettled.
func (s *Service) Confirm(ctx context.Context, adminID int64, purchaseID string) (*Purchase, error) {
	updated, err := s.store.UpdatePurchase(ctx, purchaseID, func(p *Purchase) error {
		if p.State != PurchasePending {
			return fmt.Errorf("purchase is %s: %w", p.State, ErrPurchaseSettled)
		}
		now := time.Now()
		p.State = PurchaseCompleted
		p.CompletedAt = &now
		p.ConfirmedBy = adminID
		return nil
	})
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Credit(ctx, updated.UserID, updated.Tokens,
		fmt.Sprintf("purchase %s (%s)", updated.PackageID, updated.ID))
	if err != nil {
		// The purchase is marked completed but the credit failed; this needs
		// an operator, so make it loud.
		log.Error().Err(err).Str("purchase_id", purchaseID).
			Int64("user_id", updated.UserID).Msg("purchase confirmed but credit failed")
		return nil, fmt.Errorf("failed to credit purchase %s: %w", purchaseID, err)
	}

	metrics.PurchasesTotal.WithLabelValues(updated.PackageID, string(PurchaseCompleted)).Inc()
	log.Info().Str("purchase_id", purchaseID).Int64("user_id", updated.UserID).
		Int64("tokens", updated.Tokens).Int64("balance", balance).
		Int64("confirmed_by", adminID).Msg("purchase confirmed")
	return updated, nil
}

// Expire marks pending purchases older than the TTL as expired and returns
// how many were swept.
func (s *Service) Expire(ctx context.Context) (int, error) {
	pending, err := s.store.ListPurchasesByState(ctx, PurchasePending, 0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.cfg.PendingTTL)
	expired := 0
	for _, p := range pending {
		if p.CreatedAt.After(cutoff) {
			continue
		}
		_, err := s.store.UpdatePurchase(ctx, p.ID, func(up *Purchase) error {
			if up.State != PurchasePending {
				return fmt.Errorf("purchase is %s: %w", up.State, ErrPurchaseSettled)
			}
			up.State = PurchaseExpired
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("purchase_id", p.ID).Msg("failed to expire purchase")
			continue
		}
		metrics.PurchasesTotal.WithLabelValues(p.PackageID, string(PurchaseExpired)).Inc()
		expired++
	}

	if expired > 0 {
		log.Info().Int("count", expired).Msg("expired stale purchases")
	}
	return expired, nil
}

// StartExpirySweep runs Expire on a ticker until ctx is cancelled.
func (s *Service) StartExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Expire(ctx); err != nil {
					log.Error().Err(err).Msg("purchase expiry sweep failed")
				}
			}
		}
	}()
}

// upiParams is the UPI deep-link query in go-querystring form.
type upiParams struct {
	VPA      string `url:"pa"`
	Payee    string `url:"pn"`
	Amount   string `url:"am"`
	Currency string `url:"cu"`
	Note     string `url:"tn"`
}

// UPILink builds the upi://pay deep link collecting this purchase.
func (s *Service) UPILink(p *Purchase) (string, error) {
	if s.cfg.UPIVPA == "" {
		return "", fmt.Errorf("no UPI VPA configured")
	}

	v, err := query.Values(upiParams{
		VPA:      s.cfg.UPIVPA,
		Payee:    s.cfg.UPIPayee,
		Amount:   strconv.Itoa(p.PriceINR),
		Currency: "INR",
		Note:     fmt.Sprintf("vigilo %s %s", p.PackageID, p.ID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode UPI params: %w", err)
	}
	return "upi://pay?" + v.Encode(), nil
}

// qrBaseSize is the native render size; larger targets upscale from it.
const qrBaseSize = 256

// QRPNG renders a link as a PNG QR image of the given pixel size. The code
// is rendered at the base size and nearest-neighbor upscaled, which keeps
// the module edges crisp.
func QRPNG(link string, size int) ([]byte, error) {
	if size <= 0 {
		size = 512
	}

	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to build QR code: %w", err)
	}

	img := qr.Image(qrBaseSize)
	if size != qrBaseSize {
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR PNG: %w", err)
	}
	return buf.Bytes(), nil
}
