package boltstore

import (
	"context"
	"testing"
	"time"

	"vigilo/internal/accounts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestAccountStore(t *testing.T) *AccountStore {
	t.Helper()
	return setupTestStore(t).AccountStore()
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestAccountStore(t)

	t.Run("missing account is nil", func(t *testing.T) {
		acct, err := store.GetAccount(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, acct)
	})

	t.Run("put, get, list, delete", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.PutAccount(ctx, accounts.ReportingAccount{
			ID:         "acct-1",
			SessionRef: "sessions/acct-1.session",
			Status:     accounts.StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))
		require.NoError(t, store.PutAccount(ctx, accounts.ReportingAccount{
			ID:         "acct-2",
			SessionRef: "sessions/acct-2.session",
			Status:     accounts.StatusCooling,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))

		acct, err := store.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		require.NotNil(t, acct)
		assert.Equal(t, "sessions/acct-1.session", acct.SessionRef)
		assert.Equal(t, accounts.StatusActive, acct.Status)

		list, err := store.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, store.DeleteAccount(ctx, "acct-2"))
		list, err = store.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestUpdateAccount(t *testing.T) {
	ctx := context.Background()
	store := setupTestAccountStore(t)

	now := time.Now()
	require.NoError(t, store.PutAccount(ctx, accounts.ReportingAccount{
		ID:         "acct-1",
		SessionRef: "sessions/acct-1.session",
		Status:     accounts.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	t.Run("mutation persists", func(t *testing.T) {
		updated, err := store.UpdateAccount(ctx, "acct-1", func(acct *accounts.ReportingAccount) error {
			acct.Status = accounts.StatusCooling
			acct.CooldownUntil = now.Add(15 * time.Minute)
			acct.ConsecutiveFailures = 0
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, accounts.StatusCooling, updated.Status)

		acct, err := store.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, accounts.StatusCooling, acct.Status)
		assert.WithinDuration(t, now.Add(15*time.Minute), acct.CooldownUntil, time.Second)
	})

	t.Run("mutate error aborts", func(t *testing.T) {
		_, err := store.UpdateAccount(ctx, "acct-1", func(acct *accounts.ReportingAccount) error {
			acct.Status = accounts.StatusBanned
			return accounts.ErrInvalidTransition
		})
		require.ErrorIs(t, err, accounts.ErrInvalidTransition)

		acct, err := store.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, accounts.StatusCooling, acct.Status)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := store.UpdateAccount(ctx, "missing", func(acct *accounts.ReportingAccount) error { return nil })
		require.ErrorIs(t, err, accounts.ErrAccountNotFound)
	})
}
