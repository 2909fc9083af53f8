// Package policy resolves per-user entitlements for report submission:
// whether a role pays tokens, how many reports a user may submit per day,
// and which roles may invoke admin operations.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role represents a user's privilege level
type Role string

const (
	RoleNormal     Role = "normal"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
	RoleSuperAdmin Role = "super_admin"
)

// roleRank orders roles for permission comparisons
var roleRank = map[Role]int{
	RoleNormal:     0,
	RoleAdmin:      1,
	RoleOwner:      2,
	RoleSuperAdmin: 3,
}

// Valid returns true if the role is a known role name
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Sentinel errors surfaced by policy checks.
var (
	ErrNoPermission      = errors.New("no permission")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Policy holds the resolved submission parameters for a role
type Policy struct {
	TokenRequired bool
	DailyLimit    int // 0 means no cap
}

// TaskCounter counts report submissions for daily-cap enforcement.
// Implemented by the report store.
type TaskCounter interface {
	CountTasksByUserSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Config holds the identity lists and limits the resolver works from.
type Config struct {
	AdminIDs     []int64
	OwnerIDs     []int64
	SuperAdminID int64
	DailyCap     int
}

// Resolver maps roles to policies and enforces the rolling daily cap.
type Resolver struct {
	cfg    Config
	tasks  TaskCounter
	admins map[int64]bool
	owners map[int64]bool
}

// NewResolver creates a resolver from config. The task counter may be nil
// when daily-cap enforcement is not needed (e.g. in pure role tests).
func NewResolver(cfg Config, tasks TaskCounter) *Resolver {
	r := &Resolver{
		cfg:    cfg,
		tasks:  tasks,
		admins: make(map[int64]bool, len(cfg.AdminIDs)),
		owners: make(map[int64]bool, len(cfg.OwnerIDs)),
	}
	for _, id := range cfg.AdminIDs {
		r.admins[id] = true
	}
	for _, id := range cfg.OwnerIDs {
		r.owners[id] = true
	}
	return r
}

// Resolve returns the submission policy for a role.
// Admins, owners and the super admin report for free; normal users pay.
// The daily cap applies to every role (0 disables it).
func (r *Resolver) Resolve(role Role) Policy {
	p := Policy{DailyLimit: r.cfg.DailyCap}
	switch role {
	case RoleAdmin, RoleOwner, RoleSuperAdmin:
		p.TokenRequired = false
	default:
		p.TokenRequired = true
	}
	return p
}

// ResolveRole returns the effective role for a user id. Configured id lists
// override the stored role, so operators keep access even with a stale record.
func (r *Resolver) ResolveRole(userID int64, stored Role) Role {
	switch {
	case r.cfg.SuperAdminID != 0 && userID == r.cfg.SuperAdminID:
		return RoleSuperAdmin
	case r.owners[userID]:
		return RoleOwner
	case r.admins[userID]:
		return RoleAdmin
	}
	if stored.Valid() {
		return stored
	}
	return RoleNormal
}

// Require returns ErrNoPermission unless role ranks at or above minimum.
func (r *Resolver) Require(role Role, minimum Role) error {
	if roleRank[role] < roleRank[minimum] {
		return fmt.Errorf("role %s below %s: %w", role, minimum, ErrNoPermission)
	}
	return nil
}

// CheckDaily enforces the rolling 24h submission cap for a user.
// Returns ErrRateLimitExceeded once the cap is reached.
func (r *Resolver) CheckDaily(ctx context.Context, userID int64) error {
	if r.cfg.DailyCap <= 0 || r.tasks == nil {
		return nil
	}

	since := time.Now().Add(-24 * time.Hour)
	n, err := r.tasks.CountTasksByUserSince(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("failed to count recent reports: %w", err)
	}

	if n >= r.cfg.DailyCap {
		return fmt.Errorf("%d reports in the last 24h (cap %d): %w", n, r.cfg.DailyCap, ErrRateLimitExceeded)
	}
	return nil
}
