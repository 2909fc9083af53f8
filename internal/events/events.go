// Package events provides the in-process fan-out hub that carries task and
// account state changes to the bot notifier, the history recorder, the email
// alerter and live WebSocket feeds.
package events

import "time"

// Type identifies what happened
type Type string

const (
	TaskQueued     Type = "task_queued"
	TaskExecuting  Type = "task_executing"
	TaskCompleted  Type = "task_completed"
	TaskFailed     Type = "task_failed"
	TaskRequeued   Type = "task_requeued"
	TaskRejected   Type = "task_rejected"
	TaskReviewed   Type = "task_reviewed"
	AccountCooling Type = "account_cooling"
	AccountBanned  Type = "account_banned"
	PoolEmpty      Type = "pool_empty"
)

// Event describes one state change. TaskID/UserID/AccountID are set where
// they apply and zero-valued otherwise.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
