package report

import (
	"context"
	"time"
)

// Store defines the persistence interface for report tasks.
// Implementations must be safe for concurrent use. UpdateTask applies mutate
// atomically against the stored record — it is the check-and-transition
// primitive both the dispatcher's claim and the admin reject race through,
// so a task can never be claimed and rejected at the same time.
type Store interface {
	CreateTask(ctx context.Context, task ReportTask) error
	GetTask(ctx context.Context, id string) (*ReportTask, error)
	UpdateTask(ctx context.Context, id string, mutate func(*ReportTask) error) (*ReportTask, error)

	ListTasksByUser(ctx context.Context, userID int64, limit, offset int) ([]ReportTask, error)
	ListTasksByState(ctx context.Context, state TaskState, limit int) ([]ReportTask, error)
	CountTasksByUserSince(ctx context.Context, userID int64, since time.Time) (int, error)
	CountTasksByState(ctx context.Context) (map[string]int, error)
}
