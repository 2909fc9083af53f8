package payments_test

import (
	"bytes"
	"context"
	"image/png"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vigilo/internal/database/boltstore"
	"vigilo/internal/ledger"
	"vigilo/internal/payments"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPayments(t *testing.T, cfg payments.Config) (*payments.Service, *ledger.Ledger, *boltstore.Store) {
	t.Helper()

	db, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	led := ledger.New(db.LedgerStore())
	svc := payments.NewService(db.PurchaseStore(), led, cfg)
	return svc, led, db
}

func TestCatalog(t *testing.T) {
	pkgs := payments.Catalog()
	require.Len(t, pkgs, 4)
	assert.Equal(t, "basic", pkgs[0].ID)
	assert.Equal(t, int64(5), pkgs[0].Tokens)
	assert.Equal(t, 50, pkgs[0].PriceStars)
	assert.Equal(t, "pro", pkgs[3].ID)
	assert.Equal(t, int64(100), pkgs[3].Tokens)

	pkg, ok := payments.PackageByID("standard")
	require.True(t, ok)
	assert.Equal(t, int64(15), pkg.Tokens)

	_, ok = payments.PackageByID("mega")
	assert.False(t, ok)
}

func TestBegin(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupPayments(t, payments.Config{})

	t.Run("opens pending purchase with catalog pricing", func(t *testing.T) {
		p, err := svc.Begin(ctx, 100, "premium", payments.MethodUPI)
		require.NoError(t, err)
		assert.Equal(t, payments.PurchasePending, p.State)
		assert.Equal(t, int64(35), p.Tokens)
		assert.Equal(t, 250, p.PriceINR)
		assert.Equal(t, payments.MethodUPI, p.Method)

		stored, err := svc.GetPurchase(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, stored.ID)
	})

	t.Run("unknown package", func(t *testing.T) {
		_, err := svc.Begin(ctx, 100, "mega", payments.MethodUPI)
		require.ErrorIs(t, err, payments.ErrPackageNotFound)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := svc.Begin(ctx, 100, "basic", "cash")
		require.Error(t, err)
	})
}

func TestConfirmCreditsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, led, _ := setupPayments(t, payments.Config{})

	p, err := svc.Begin(ctx, 100, "basic", payments.MethodUPI)
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, 900, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PurchaseCompleted, confirmed.State)
	assert.Equal(t, int64(900), confirmed.ConfirmedBy)
	require.NotNil(t, confirmed.CompletedAt)

	balance, err := led.Balance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// Second confirmation is refused and credits nothing.
	_, err = svc.Confirm(ctx, 901, p.ID)
	require.ErrorIs(t, err, payments.ErrPurchaseSettled)

	balance, err = led.Balance(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestConfirmUnknownPurchase(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupPayments(t, payments.Config{})

	_, err := svc.Confirm(ctx, 900, "missing")
	require.ErrorIs(t, err, payments.ErrPurchaseNotFound)
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	svc, _, db := setupPayments(t, payments.Config{PendingTTL: time.Hour})

	stale, err := svc.Begin(ctx, 100, "basic", payments.MethodUPI)
	require.NoError(t, err)
	fresh, err := svc.Begin(ctx, 100, "basic", payments.MethodStars)
	require.NoError(t, err)

	// Age the first purchase past the TTL.
	_, err = db.PurchaseStore().UpdatePurchase(ctx, stale.ID, func(p *payments.Purchase) error {
		p.CreatedAt = time.Now().Add(-2 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	swept, err := svc.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := svc.GetPurchase(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PurchaseExpired, got.State)

	got, err = svc.GetPurchase(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PurchasePending, got.State)

	// An expired purchase can no longer be confirmed.
	_, err = svc.Confirm(ctx, 900, stale.ID)
	require.ErrorIs(t, err, payments.ErrPurchaseSettled)
}

func TestUPILink(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupPayments(t, payments.Config{UPIVPA: "vigilo@upi", UPIPayee: "Vigilo Reports"})

	p, err := svc.Begin(ctx, 100, "standard", payments.MethodUPI)
	require.NoError(t, err)

	link, err := svc.UPILink(p)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "upi://pay?"), "link %q", link)

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "vigilo@upi", q.Get("pa"))
	assert.Equal(t, "Vigilo Reports", q.Get("pn"))
	assert.Equal(t, "120", q.Get("am"))
	assert.Equal(t, "INR", q.Get("cu"))
	assert.Contains(t, q.Get("tn"), p.ID)
}

func TestUPILinkRequiresVPA(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupPayments(t, payments.Config{})

	p, err := svc.Begin(ctx, 100, "basic", payments.MethodUPI)
	require.NoError(t, err)

	_, err = svc.UPILink(p)
	require.Error(t, err)
}

func TestQRPNG(t *testing.T) {
	data, err := payments.QRPNG("upi://pay?pa=vigilo%40upi&am=50", 512)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())
}
