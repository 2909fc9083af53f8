// Package report implements the report task queue and lifecycle tracker:
// admission with policy and token reservation, FIFO dispatch bookkeeping,
// and the admin review operations.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vigilo/internal/events"
	"vigilo/internal/ledger"
	"vigilo/internal/metrics"
	"vigilo/internal/policy"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config holds the queue service tunables.
type Config struct {
	// Cost is the token price of one report for paying roles.
	// Zero disables charging entirely.
	Cost int64
	// QueueSize bounds the in-memory dispatch queue.
	QueueSize int
	// PageSize is the default page length for user-facing listings.
	PageSize int
}

// Service admits report submissions, tracks task lifecycle and exposes the
// review operations. Dispatch workers consume the queue channel.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	policy *policy.Resolver
	hub    *events.Hub
	cfg    Config

	queue chan string
}

// NewService creates the queue service.
func NewService(store Store, led *ledger.Ledger, pol *policy.Resolver, hub *events.Hub, cfg Config) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	return &Service{
		store:  store,
		ledger: led,
		policy: pol,
		hub:    hub,
		cfg:    cfg,
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Submit validates a report request, applies role policy and the daily cap,
// reserves a token when the role pays, and enqueues the task for dispatch.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*ReportTask, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := s.ledger.EnsureUser(ctx, req.UserID, "")
	if err != nil {
		return nil, err
	}
	role := s.policy.ResolveRole(req.UserID, user.Role)

	if err := s.policy.CheckDaily(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := time.Now()
	task := ReportTask{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Target:    req.Target,
		Reason:    req.Reason,
		Comment:   req.Comment,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.policy.Resolve(role).TokenRequired && s.cfg.Cost > 0 {
		res, err := s.ledger.Reserve(ctx, req.UserID, task.ID, s.cfg.Cost)
		if err != nil {
			return nil, err
		}
		task.ReservationID = res.ID
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		if task.ReservationID != "" {
			if rerr := s.ledger.Refund(ctx, task.ReservationID); rerr != nil {
				log.Error().Err(rerr).Str("reservation_id", task.ReservationID).
					Msg("failed to refund after task creation error")
			}
		}
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	metrics.ReportsSubmittedTotal.Inc()
	log.Info().Str("task_id", task.ID).Int64("user_id", task.UserID).
		Str("target", task.Target.Ref).Str("reason", task.Reason).
		Str("role", string(role)).Msg("report queued")
	s.hub.Publish(events.Event{
		Type: events.TaskQueued, TaskID: task.ID, UserID: task.UserID,
		State: string(StateQueued),
	})

	s.enqueue(task.ID)
	return &task, nil
}

// GetTask returns a task or ErrTaskNotFound.
func (s *Service) GetTask(ctx context.Context, id string) (*ReportTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// ListByUser returns a user's tasks, newest first. A non-positive limit
// falls back to the configured page size.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]ReportTask, error) {
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	return s.store.ListTasksByUser(ctx, userID, limit, offset)
}

// ListByState returns tasks in the given state in submission order.
func (s *Service) ListByState(ctx context.Context, state TaskState, limit int) ([]ReportTask, error) {
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	return s.store.ListTasksByState(ctx, state, limit)
}

// CountsByState returns the number of tasks per state.
func (s *Service) CountsByState(ctx context.Context) (map[string]int, error) {
	return s.store.CountTasksByState(ctx)
}

// QueueDepth returns the number of tasks waiting in the dispatch channel.
func (s *Service) QueueDepth() int {
	return len(s.queue)
}

// Approve marks a completed task as reviewed. Only admins and above may
// review; any state other than completed is a conflict.
func (s *Service) Approve(ctx context.Context, reviewerID int64, taskID string) (*ReportTask, error) {
	if err := s.requireAdmin(ctx, reviewerID); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		if t.State != StateCompleted {
			return fmt.Errorf("cannot approve task in state %s: %w", t.State, ErrStateConflict)
		}
		now := time.Now()
		t.State = StateReviewed
		t.ReviewedBy = reviewerID
		t.ReviewedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("task_id", taskID).Int64("reviewer_id", reviewerID).Msg("report approved")
	s.hub.Publish(events.Event{
		Type: events.TaskReviewed, TaskID: taskID, UserID: updated.UserID,
		State: string(StateReviewed),
	})
	return updated, nil
}

// Reject terminates a task by admin decision. A queued task is withdrawn
// before execution and its reservation refunded; a completed task gets a
// negative review verdict with tokens staying spent. The state check and
// transition are atomic, so a task a worker has already claimed cannot be
// rejected — the call fails with ErrStateConflict and has no side effect.
func (s *Service) Reject(ctx context.Context, reviewerID int64, taskID string) (*ReportTask, error) {
	if err := s.requireAdmin(ctx, reviewerID); err != nil {
		return nil, err
	}

	refundable := false
	updated, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		switch t.State {
		case StateQueued:
			refundable = t.ReservationID != ""
		case StateCompleted:
			// Review verdict on an executed report; the commit stands.
		default:
			return fmt.Errorf("cannot reject task in state %s: %w", t.State, ErrStateConflict)
		}
		now := time.Now()
		t.State = StateRejected
		t.ReviewedBy = reviewerID
		t.ReviewedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if refundable {
		if err := s.ledger.Refund(ctx, updated.ReservationID); err != nil {
			log.Error().Err(err).Str("task_id", taskID).
				Str("reservation_id", updated.ReservationID).
				Msg("failed to refund rejected task")
		}
	}

	metrics.ReportsRejectedTotal.Inc()
	log.Info().Str("task_id", taskID).Int64("reviewer_id", reviewerID).
		Bool("refunded", refundable).Msg("report rejected")
	s.hub.Publish(events.Event{
		Type: events.TaskRejected, TaskID: taskID, UserID: updated.UserID,
		State: string(StateRejected), Detail: "rejected by admin",
	})
	return updated, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID int64) error {
	stored := policy.RoleNormal
	if user, err := s.ledger.GetUser(ctx, userID); err == nil {
		stored = user.Role
	} else if !errors.Is(err, ledger.ErrUserNotFound) {
		return err
	}
	return s.policy.Require(s.policy.ResolveRole(userID, stored), policy.RoleAdmin)
}

// enqueue hands a task id to the dispatch queue. When the channel is full
// the task stays queued in the store; the dispatcher's sweep picks it up.
func (s *Service) enqueue(id string) {
	select {
	case s.queue <- id:
	default:
		log.Warn().Str("task_id", id).Msg("dispatch queue full, task left for sweep")
	}
}

// claimTask atomically moves a queued task to executing with the assigned
// account. Fails with ErrStateConflict when the task is no longer queued
// (already claimed, or rejected between selection and claim).
func (s *Service) claimTask(ctx context.Context, taskID, accountID string) (*ReportTask, error) {
	updated, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		if t.State != StateQueued {
			return fmt.Errorf("task is %s, not queued: %w", t.State, ErrStateConflict)
		}
		t.State = StateExecuting
		t.AccountID = accountID
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hub.Publish(events.Event{
		Type: events.TaskExecuting, TaskID: taskID, UserID: updated.UserID,
		AccountID: accountID, State: string(StateExecuting),
	})
	return updated, nil
}

// completeTask finalizes a successful execution: the task moves to
// completed and the reservation is committed.
func (s *Service) completeTask(ctx context.Context, taskID string) error {
	updated, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		if t.State != StateExecuting {
			return fmt.Errorf("task is %s, not executing: %w", t.State, ErrStateConflict)
		}
		t.Attempts++
		t.State = StateCompleted
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	if updated.ReservationID != "" {
		if err := s.ledger.Commit(ctx, updated.ReservationID); err != nil {
			log.Error().Err(err).Str("task_id", taskID).
				Str("reservation_id", updated.ReservationID).
				Msg("failed to commit reservation for completed task")
		}
	}

	metrics.ReportsCompletedTotal.Inc()
	log.Info().Str("task_id", taskID).Str("account_id", updated.AccountID).
		Int("attempts", updated.Attempts).Msg("report completed")
	s.hub.Publish(events.Event{
		Type: events.TaskCompleted, TaskID: taskID, UserID: updated.UserID,
		AccountID: updated.AccountID, State: string(StateCompleted),
	})
	return nil
}

// failAttempt records a failed execution attempt. With retry budget left the
// task returns to the queue with the account excluded; otherwise it fails
// terminally and the reservation is refunded exactly once.
func (s *Service) failAttempt(ctx context.Context, taskID, accountID, detail string, retryLimit int) (requeued bool, err error) {
	updated, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		if t.State != StateExecuting {
			return fmt.Errorf("task is %s, not executing: %w", t.State, ErrStateConflict)
		}
		t.Attempts++
		t.AccountID = ""
		t.Excluded = append(t.Excluded, accountID)
		t.UpdatedAt = time.Now()
		if t.Attempts <= retryLimit {
			t.State = StateQueued
			return nil
		}
		t.State = StateFailed
		t.FailureReason = detail
		return nil
	})
	if err != nil {
		return false, err
	}

	if updated.State == StateQueued {
		metrics.ReportsRequeuedTotal.Inc()
		log.Info().Str("task_id", taskID).Str("account_id", accountID).
			Int("attempts", updated.Attempts).Str("detail", detail).
			Msg("report attempt failed, requeued")
		s.hub.Publish(events.Event{
			Type: events.TaskRequeued, TaskID: taskID, UserID: updated.UserID,
			State: string(StateQueued), Detail: detail,
		})
		s.enqueue(taskID)
		return true, nil
	}

	if updated.ReservationID != "" {
		if err := s.ledger.Refund(ctx, updated.ReservationID); err != nil {
			log.Error().Err(err).Str("task_id", taskID).
				Str("reservation_id", updated.ReservationID).
				Msg("failed to refund failed task")
		}
	}

	metrics.ReportsFailedTotal.Inc()
	log.Warn().Str("task_id", taskID).Int("attempts", updated.Attempts).
		Str("reason", updated.FailureReason).Msg("report failed terminally")
	s.hub.Publish(events.Event{
		Type: events.TaskFailed, TaskID: taskID, UserID: updated.UserID,
		State: string(StateFailed), Detail: updated.FailureReason,
	})
	return false, nil
}

// releaseTask returns a claimed task to the queue without counting an
// attempt. Used when execution was cut short by shutdown.
func (s *Service) releaseTask(ctx context.Context, taskID string) error {
	_, err := s.store.UpdateTask(ctx, taskID, func(t *ReportTask) error {
		if t.State != StateExecuting {
			return fmt.Errorf("task is %s, not executing: %w", t.State, ErrStateConflict)
		}
		t.State = StateQueued
		t.AccountID = ""
		t.UpdatedAt = time.Now()
		return nil
	})
	return err
}
