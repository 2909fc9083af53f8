// Package accounts manages the pool of secondary reporting accounts: health
// state, per-account usage windows, cooldowns after repeated failures, and
// the selection of an eligible account for each report task.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vigilo/internal/events"
	"vigilo/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Config holds the pool tunables.
type Config struct {
	// WindowLimit is the maximum number of reports per account per window.
	WindowLimit int
	// Window is the rolling usage window duration.
	Window time.Duration
	// Cooldown is how long an account rests after repeated failures.
	Cooldown time.Duration
	// FailureThreshold is the consecutive-failure count that triggers cooling.
	FailureThreshold int
}

// DefaultConfig returns the stock pool tunables.
func DefaultConfig() Config {
	return Config{
		WindowLimit:      10,
		Window:           time.Hour,
		Cooldown:         15 * time.Minute,
		FailureThreshold: 3,
	}
}

// Pool selects healthy accounts for dispatch and records usage outcomes.
// An account handed out by Select is leased until RecordUsage or Release
// returns it, so two workers never drive the same account concurrently.
// Leases are process-local and never persisted.
type Pool struct {
	mu     sync.Mutex
	store  Store
	cfg    Config
	hub    *events.Hub
	leased map[string]bool
}

// NewPool creates a pool over the given store. Zero config fields fall back
// to defaults.
func NewPool(store Store, cfg Config, hub *events.Hub) *Pool {
	def := DefaultConfig()
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = def.WindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		hub:    hub,
		leased: make(map[string]bool),
	}
}

// Select returns the least-recently-used active account whose usage window
// has room, skipping leased accounts and the ids in excluding. Ties are
// broken by lowest id so selection is deterministic. The returned account is
// leased until RecordUsage or Release. Fails with ErrNoAccountAvailable when
// nothing qualifies.
func (p *Pool) Select(ctx context.Context, excluding map[string]bool) (*ReportingAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	now := time.Now()
	var candidates []ReportingAccount
	activeTotal := 0

	for i := range all {
		acct, err := p.refreshLocked(ctx, all[i], now)
		if err != nil {
			return nil, err
		}
		if acct.Status != StatusActive {
			continue
		}
		activeTotal++
		if p.leased[acct.ID] || excluding[acct.ID] {
			continue
		}
		if p.windowCount(acct, now) >= p.cfg.WindowLimit {
			continue
		}
		candidates = append(candidates, acct)
	}

	if len(candidates) == 0 {
		metrics.SelectionFailuresTotal.Inc()
		if activeTotal == 0 && len(p.leased) == 0 {
			p.hub.Publish(events.Event{
				Type:   events.PoolEmpty,
				Detail: "no active reporting accounts",
			})
		}
		return nil, ErrNoAccountAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	winner := candidates[0]
	p.leased[winner.ID] = true
	log.Debug().Str("account_id", winner.ID).Msg("account selected")
	return &winner, nil
}

// Release drops the lease on an account without recording usage. Used when a
// claimed task turns out not to run (e.g. rejected between claim and
// execution).
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, accountID)
}

// RecordUsage records the outcome of one execution attempt against the
// account and releases its lease. Repeated failures transition the account
// to cooling; a ban signal transitions it to banned until an admin
// re-enables it.
func (p *Pool) RecordUsage(ctx context.Context, accountID string, usage Usage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.leased, accountID)

	var cooled, banned bool
	updated, err := p.store.UpdateAccount(ctx, accountID, func(acct *ReportingAccount) error {
		now := time.Now()
		if now.Sub(acct.WindowStart) >= p.cfg.Window {
			acct.WindowStart = now
			acct.WindowCount = 0
		}
		acct.WindowCount++
		acct.LastUsedAt = now
		acct.UpdatedAt = now

		switch {
		case usage.BanSignal:
			acct.Status = StatusBanned
			acct.StatusReason = usage.Detail
			banned = true
		case !usage.Success:
			acct.ConsecutiveFailures++
			if acct.ConsecutiveFailures >= p.cfg.FailureThreshold && acct.Status == StatusActive {
				acct.Status = StatusCooling
				acct.CooldownUntil = now.Add(p.cfg.Cooldown)
				acct.StatusReason = fmt.Sprintf("%d consecutive failures", acct.ConsecutiveFailures)
				acct.ConsecutiveFailures = 0
				cooled = true
			}
		default:
			acct.ConsecutiveFailures = 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	if banned {
		metrics.AccountsBannedTotal.Inc()
		log.Warn().Str("account_id", accountID).Str("reason", usage.Detail).Msg("account banned")
		p.hub.Publish(events.Event{
			Type:      events.AccountBanned,
			AccountID: accountID,
			Detail:    usage.Detail,
		})
	}
	if cooled {
		metrics.AccountsCooledTotal.Inc()
		log.Info().Str("account_id", accountID).Time("until", updated.CooldownUntil).Msg("account cooling")
		p.hub.Publish(events.Event{
			Type:      events.AccountCooling,
			AccountID: accountID,
			Detail:    updated.StatusReason,
		})
	}
	return nil
}

// Add registers a new reporting account in active status.
func (p *Pool) Add(ctx context.Context, id, sessionRef string) (*ReportingAccount, error) {
	if id == "" || sessionRef == "" {
		return nil, fmt.Errorf("account id and session reference are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountExists)
	}

	now := time.Now()
	acct := ReportingAccount{
		ID:         id,
		SessionRef: sessionRef,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.PutAccount(ctx, acct); err != nil {
		return nil, err
	}

	log.Info().Str("account_id", id).Msg("reporting account added")
	return &acct, nil
}

// Remove deletes an account from the pool.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}

	delete(p.leased, id)
	if err := p.store.DeleteAccount(ctx, id); err != nil {
		return err
	}

	log.Info().Str("account_id", id).Msg("reporting account removed")
	return nil
}

// Disable takes an account out of rotation by admin action. Only active and
// cooling accounts can be disabled.
func (p *Pool) Disable(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.store.UpdateAccount(ctx, id, func(acct *ReportingAccount) error {
		if acct.Status != StatusActive && acct.Status != StatusCooling {
			return fmt.Errorf("cannot disable account in status %s: %w", acct.Status, ErrInvalidTransition)
		}
		acct.Status = StatusDisabled
		acct.StatusReason = reason
		acct.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	delete(p.leased, id)
	log.Info().Str("account_id", id).Str("reason", reason).Msg("reporting account disabled")
	return nil
}

// Enable returns a disabled, banned or cooling account to active status.
// This is the only path out of banned.
func (p *Pool) Enable(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.store.UpdateAccount(ctx, id, func(acct *ReportingAccount) error {
		if acct.Status == StatusActive {
			return nil
		}
		acct.Status = StatusActive
		acct.StatusReason = ""
		acct.ConsecutiveFailures = 0
		acct.CooldownUntil = time.Time{}
		acct.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("account_id", id).Msg("reporting account enabled")
	return nil
}

// Get returns one account with its effective status.
func (p *Pool) Get(ctx context.Context, id string) (*ReportingAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, err := p.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}

	refreshed, err := p.refreshLocked(ctx, *acct, time.Now())
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// List returns all accounts with effective statuses, ordered by id.
func (p *Pool) List(ctx context.Context) ([]ReportingAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]ReportingAccount, 0, len(all))
	for i := range all {
		acct, err := p.refreshLocked(ctx, all[i], now)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveCount returns the number of accounts whose effective status is
// active. Used to size the dispatcher worker pool.
func (p *Pool) ActiveCount(ctx context.Context) (int, error) {
	list, err := p.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, acct := range list {
		if acct.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

// refreshLocked recomputes timer-driven state on read: a cooling account
// whose cooldown has elapsed flips back to active, and the flip is
// persisted. Caller must hold p.mu.
func (p *Pool) refreshLocked(ctx context.Context, acct ReportingAccount, now time.Time) (ReportingAccount, error) {
	if acct.Status != StatusCooling || now.Before(acct.CooldownUntil) {
		return acct, nil
	}

	updated, err := p.store.UpdateAccount(ctx, acct.ID, func(a *ReportingAccount) error {
		if a.Status == StatusCooling && !now.Before(a.CooldownUntil) {
			a.Status = StatusActive
			a.StatusReason = ""
			a.CooldownUntil = time.Time{}
			a.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return acct, fmt.Errorf("failed to reactivate account %s: %w", acct.ID, err)
	}

	log.Info().Str("account_id", acct.ID).Msg("account cooldown elapsed, reactivated")
	return *updated, nil
}

// windowCount returns the usage count that applies right now, treating a
// stale window as empty without persisting the reset (RecordUsage does that).
func (p *Pool) windowCount(acct ReportingAccount, now time.Time) int {
	if now.Sub(acct.WindowStart) >= p.cfg.Window {
		return 0
	}
	return acct.WindowCount
}
