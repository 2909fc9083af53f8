package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/metrics"
	"vigilo/internal/tracing"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ReasonTimeout is the failure detail recorded when an execution attempt
// exceeds the per-attempt deadline.
const ReasonTimeout = "timeout"

// Outcome is the result of one execution attempt.
type Outcome struct {
	Success   bool   `json:"success"`
	BanSignal bool   `json:"ban_signal"`
	Detail    string `json:"detail,omitempty"`
}

// Executor performs the report action through a reporting account. The
// engine only sees the outcome triple. Implementations must honor ctx
// cancellation and deadlines.
type Executor interface {
	ExecuteReport(ctx context.Context, acct accounts.ReportingAccount, target Target, reason, comment string) (Outcome, error)
}

// DispatchConfig holds the dispatcher tunables.
type DispatchConfig struct {
	// MaxWorkers caps the worker pool; the effective pool size is the
	// smaller of this and the number of active accounts at start.
	MaxWorkers int
	// ExecTimeout bounds a single execution attempt.
	ExecTimeout time.Duration
	// RetryLimit is the number of retries after the first failed attempt.
	RetryLimit int
	// BackoffBase and BackoffMax bound the re-enqueue delay applied when
	// no account is available for a task.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SweepInterval is how often queued tasks missing from the channel
	// are swept back in. Covers restart recovery and queue overflow.
	SweepInterval time.Duration
}

// DefaultDispatchConfig returns the standard dispatcher settings.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxWorkers:    4,
		ExecTimeout:   30 * time.Second,
		RetryLimit:    2,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Dispatcher pulls queued tasks off the service queue and executes them
// through pool accounts. Workers run on an errgroup; account leasing in the
// pool keeps one task per account even when workers outnumber accounts.
type Dispatcher struct {
	svc  *Service
	pool *accounts.Pool
	exec Executor
	cfg  DispatchConfig

	group  *errgroup.Group
	cancel context.CancelFunc

	mu      sync.Mutex
	backoff map[string]time.Duration
	timers  map[string]*time.Timer
}

// NewDispatcher creates a dispatcher over the given service, pool and
// executor.
func NewDispatcher(svc *Service, pool *accounts.Pool, exec Executor, cfg DispatchConfig) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Dispatcher{
		svc:     svc,
		pool:    pool,
		exec:    exec,
		cfg:     cfg,
		backoff: make(map[string]time.Duration),
		timers:  make(map[string]*time.Timer),
	}
}

// Start sweeps persisted queued tasks into the channel and launches the
// worker pool. The worker count is the smaller of MaxWorkers and the active
// account count, with a floor of one so accounts added later are served.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)

	d.sweep(ctx)

	workers := d.cfg.MaxWorkers
	if n, err := d.pool.ActiveCount(ctx); err != nil {
		log.Error().Err(err).Msg("failed to count active accounts, using max workers")
	} else if n > 0 && n < workers {
		workers = n
	}
	log.Info().Int("workers", workers).Msg("starting report dispatcher")

	for i := 0; i < workers; i++ {
		d.group.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}
	d.group.Go(func() error {
		d.sweeper(ctx)
		return nil
	})
}

// Stop cancels the workers and waits for in-flight attempts to wind down.
// Claimed tasks interrupted by shutdown return to the queue unscored.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}

	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	log.Info().Msg("report dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-d.svc.queue:
			d.process(ctx, taskID)
		}
	}
}

// sweeper periodically re-enqueues tasks that are queued in the store but
// absent from the channel, such as tasks persisted before a restart.
func (d *Dispatcher) sweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	tasks, err := d.svc.store.ListTasksByState(ctx, StateQueued, d.svc.cfg.QueueSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep queued tasks")
		return
	}
	for _, t := range tasks {
		d.svc.enqueue(t.ID)
	}
	if len(tasks) > 0 {
		log.Debug().Int("count", len(tasks)).Msg("swept queued tasks into dispatch channel")
	}
}

// process runs one dispatch cycle for a task: select an account, claim the
// task, execute, and settle the outcome. Stale queue entries for tasks that
// moved on are dropped silently; duplicates are harmless because the claim
// is atomic.
func (d *Dispatcher) process(ctx context.Context, taskID string) {
	task, err := d.svc.store.GetTask(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to load task for dispatch")
		return
	}
	if task == nil || task.State != StateQueued {
		d.clearBackoff(taskID)
		return
	}

	acct, err := d.pool.Select(ctx, task.ExcludedSet())
	if err != nil {
		if errors.Is(err, accounts.ErrNoAccountAvailable) {
			d.requeueLater(taskID)
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("account selection failed")
		d.requeueLater(taskID)
		return
	}

	if _, err := d.svc.claimTask(ctx, taskID, acct.ID); err != nil {
		// Rejected or claimed elsewhere between selection and claim.
		d.pool.Release(acct.ID)
		d.clearBackoff(taskID)
		if !errors.Is(err, ErrStateConflict) {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to claim task")
		}
		return
	}
	d.clearBackoff(taskID)

	d.execute(ctx, task, acct)
}

func (d *Dispatcher) execute(ctx context.Context, task *ReportTask, acct *accounts.ReportingAccount) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	attemptCtx, span := tracing.ExecuteSpan(attemptCtx, task.ID, acct.ID, string(task.Target.Kind))
	start := time.Now()
	outcome, err := d.exec.ExecuteReport(attemptCtx, *acct, task.Target, task.Reason, task.Comment)
	tracing.EndWithError(span, err)
	span.End()
	cancel()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Shutdown, not an attempt outcome: put both back.
		d.pool.Release(acct.ID)
		if rerr := d.svc.releaseTask(context.WithoutCancel(ctx), task.ID); rerr != nil {
			log.Error().Err(rerr).Str("task_id", task.ID).Msg("failed to release task on shutdown")
		}
		return
	}

	success := err == nil && outcome.Success
	detail := outcome.Detail
	label := "success"
	switch {
	case success:
	case outcome.BanSignal:
		label = "ban"
		if detail == "" {
			detail = "account banned by platform"
		}
	case errors.Is(err, context.DeadlineExceeded):
		label = ReasonTimeout
		detail = ReasonTimeout
	case err != nil:
		label = "error"
		detail = err.Error()
	default:
		label = "failure"
		if detail == "" {
			detail = "report execution failed"
		}
	}
	metrics.ExecutionOutcomesTotal.WithLabelValues(label).Inc()

	usage := accounts.Usage{Success: success, BanSignal: outcome.BanSignal, Detail: detail}
	if uerr := d.pool.RecordUsage(ctx, acct.ID, usage); uerr != nil {
		log.Error().Err(uerr).Str("account_id", acct.ID).Msg("failed to record account usage")
	}

	if success {
		if cerr := d.svc.completeTask(ctx, task.ID); cerr != nil {
			log.Error().Err(cerr).Str("task_id", task.ID).Msg("failed to complete task")
		}
		return
	}
	if _, ferr := d.svc.failAttempt(ctx, task.ID, acct.ID, detail, d.cfg.RetryLimit); ferr != nil {
		log.Error().Err(ferr).Str("task_id", task.ID).Msg("failed to record attempt failure")
	}
}

// requeueLater re-enqueues a task after a per-task doubling backoff,
// bounded by BackoffMax. Keeps a starved queue from spinning while every
// account is cooling or at its window limit.
func (d *Dispatcher) requeueLater(taskID string) {
	d.mu.Lock()
	delay, ok := d.backoff[taskID]
	if !ok {
		delay = d.cfg.BackoffBase
	} else {
		delay *= 2
		if delay > d.cfg.BackoffMax {
			delay = d.cfg.BackoffMax
		}
	}
	d.backoff[taskID] = delay
	if t, ok := d.timers[taskID]; ok {
		t.Stop()
	}
	d.timers[taskID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, taskID)
		d.mu.Unlock()
		d.svc.enqueue(taskID)
	})
	d.mu.Unlock()

	log.Debug().Str("task_id", taskID).Dur("delay", delay).
		Msg("no account available, task re-enqueued with backoff")
}

func (d *Dispatcher) clearBackoff(taskID string) {
	d.mu.Lock()
	delete(d.backoff, taskID)
	if t, ok := d.timers[taskID]; ok {
		t.Stop()
		delete(d.timers, taskID)
	}
	d.mu.Unlock()
}
