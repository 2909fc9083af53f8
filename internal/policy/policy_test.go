package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct {
	count int
	err   error
}

func (s *stubCounter) CountTasksByUserSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	return s.count, s.err
}

func TestResolve(t *testing.T) {
	r := NewResolver(Config{DailyCap: 20}, nil)

	t.Run("normal pays", func(t *testing.T) {
		p := r.Resolve(RoleNormal)
		assert.True(t, p.TokenRequired)
		assert.Equal(t, 20, p.DailyLimit)
	})

	t.Run("privileged roles are free", func(t *testing.T) {
		for _, role := range []Role{RoleAdmin, RoleOwner, RoleSuperAdmin} {
			p := r.Resolve(role)
			assert.False(t, p.TokenRequired, "role %s should not pay", role)
			assert.Equal(t, 20, p.DailyLimit)
		}
	})

	t.Run("unknown role treated as normal", func(t *testing.T) {
		p := r.Resolve(Role("intern"))
		assert.True(t, p.TokenRequired)
	})
}

func TestResolveRole(t *testing.T) {
	r := NewResolver(Config{
		AdminIDs:     []int64{100, 101},
		OwnerIDs:     []int64{200},
		SuperAdminID: 300,
	}, nil)

	t.Run("config lists override stored role", func(t *testing.T) {
		assert.Equal(t, RoleAdmin, r.ResolveRole(100, RoleNormal))
		assert.Equal(t, RoleOwner, r.ResolveRole(200, RoleNormal))
		assert.Equal(t, RoleSuperAdmin, r.ResolveRole(300, RoleNormal))
	})

	t.Run("stored role kept for unlisted users", func(t *testing.T) {
		assert.Equal(t, RoleAdmin, r.ResolveRole(999, RoleAdmin))
		assert.Equal(t, RoleNormal, r.ResolveRole(999, RoleNormal))
	})

	t.Run("invalid stored role falls back to normal", func(t *testing.T) {
		assert.Equal(t, RoleNormal, r.ResolveRole(999, Role("")))
		assert.Equal(t, RoleNormal, r.ResolveRole(999, Role("vip")))
	})
}

func TestRequire(t *testing.T) {
	r := NewResolver(Config{}, nil)

	t.Run("sufficient rank passes", func(t *testing.T) {
		assert.NoError(t, r.Require(RoleAdmin, RoleAdmin))
		assert.NoError(t, r.Require(RoleOwner, RoleAdmin))
		assert.NoError(t, r.Require(RoleSuperAdmin, RoleAdmin))
	})

	t.Run("insufficient rank rejected", func(t *testing.T) {
		err := r.Require(RoleNormal, RoleAdmin)
		assert.ErrorIs(t, err, ErrNoPermission)

		err = r.Require(RoleAdmin, RoleOwner)
		assert.ErrorIs(t, err, ErrNoPermission)
	})
}

func TestCheckDaily(t *testing.T) {
	ctx := context.Background()

	t.Run("under cap passes", func(t *testing.T) {
		r := NewResolver(Config{DailyCap: 5}, &stubCounter{count: 4})
		assert.NoError(t, r.CheckDaily(ctx, 1))
	})

	t.Run("at cap rejected", func(t *testing.T) {
		r := NewResolver(Config{DailyCap: 5}, &stubCounter{count: 5})
		err := r.CheckDaily(ctx, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
	})

	t.Run("zero cap disables check", func(t *testing.T) {
		r := NewResolver(Config{DailyCap: 0}, &stubCounter{count: 1000})
		assert.NoError(t, r.CheckDaily(ctx, 1))
	})

	t.Run("counter error propagates", func(t *testing.T) {
		r := NewResolver(Config{DailyCap: 5}, &stubCounter{err: errors.New("boom")})
		err := r.CheckDaily(ctx, 1)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRateLimitExceeded)
	})
}
