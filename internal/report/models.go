package report

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Sentinel errors for task admission and lifecycle transitions.
var (
	// ErrValidation is returned for malformed submissions. Not retried.
	ErrValidation = errors.New("validation error")

	// ErrStateConflict is returned when a lifecycle transition is attempted
	// from a state that does not allow it (e.g. rejecting an executing task).
	ErrStateConflict = errors.New("task state conflict")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskState represents where a report task is in its lifecycle
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateExecuting TaskState = "executing"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateRejected  TaskState = "rejected"
	StateReviewed  TaskState = "reviewed"
)

// AllStates returns every task state, in lifecycle order.
func AllStates() []TaskState {
	return []TaskState{StateQueued, StateExecuting, StateCompleted, StateFailed, StateRejected, StateReviewed}
}

// Terminal returns true for states with no further automatic transition.
func (s TaskState) Terminal() bool {
	switch s {
	case StateFailed, StateRejected, StateReviewed:
		return true
	}
	return false
}

// TargetKind represents what kind of entity is being reported
type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetGroup   TargetKind = "group"
	TargetChannel TargetKind = "channel"
)

// Valid returns true for a known target kind.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetUser, TargetGroup, TargetChannel:
		return true
	}
	return false
}

// Target describes the reported entity. The reference is a username,
// a t.me link or a numeric id; the engine treats it as opaque beyond
// format validation.
type Target struct {
	Kind TargetKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// Accepted target reference formats: @username, t.me links (including
// private invite links), or a bare numeric id.
var targetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^@\w{5,32}$`),
	regexp.MustCompile(`^https?://t\.me/[\w+]+/?$`),
	regexp.MustCompile(`^https?://t\.me/\+\w+$`),
	regexp.MustCompile(`^\d+$`),
}

// ValidTargetRef reports whether ref matches one of the accepted formats.
func ValidTargetRef(ref string) bool {
	for _, p := range targetPatterns {
		if p.MatchString(ref) {
			return true
		}
	}
	return false
}

// Categories lists the accepted report reason codes.
var Categories = []string{
	"abuse",
	"pron",
	"information",
	"data_leak",
	"sticker_pron",
	"harassing",
	"personal_data",
	"spam",
	"scam",
	"impersonation",
	"illegal",
	"other",
}

// ValidCategory reports whether reason is a known category code.
func ValidCategory(reason string) bool {
	for _, c := range Categories {
		if c == reason {
			return true
		}
	}
	return false
}

// ReportTask represents one report request moving through the queue.
type ReportTask struct {
	ID            string     `json:"id"`
	UserID        int64      `json:"user_id"`
	Target        Target     `json:"target"`
	Reason        string     `json:"reason"`
	Comment       string     `json:"comment,omitempty"`
	AccountID     string     `json:"account_id,omitempty"`
	State         TaskState  `json:"state"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Attempts      int        `json:"attempts"`
	Excluded      []string   `json:"excluded,omitempty"`
	ReviewedBy    int64      `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ExcludedSet returns the tried-and-failed account ids as a lookup set.
func (t *ReportTask) ExcludedSet() map[string]bool {
	if len(t.Excluded) == 0 {
		return nil
	}
	set := make(map[string]bool, len(t.Excluded))
	for _, id := range t.Excluded {
		set[id] = true
	}
	return set
}

// SubmitRequest is a report submission before admission.
type SubmitRequest struct {
	UserID  int64  `json:"user_id"`
	Target  Target `json:"target"`
	Reason  string `json:"reason"`
	Comment string `json:"comment,omitempty"`
}

// MaxCommentLength bounds the free-text evidence note.
const MaxCommentLength = 500

// Validate checks the submission format.
func (r *SubmitRequest) Validate() error {
	if r.UserID == 0 {
		return fmt.Errorf("user id is required: %w", ErrValidation)
	}
	if !r.Target.Kind.Valid() {
		return fmt.Errorf("unknown target kind %q: %w", r.Target.Kind, ErrValidation)
	}
	if r.Target.Ref == "" {
		return fmt.Errorf("target is required: %w", ErrValidation)
	}
	if !ValidTargetRef(r.Target.Ref) {
		return fmt.Errorf("target %q is not a username, t.me link or id: %w", r.Target.Ref, ErrValidation)
	}
	if r.Reason == "" {
		return fmt.Errorf("reason is required: %w", ErrValidation)
	}
	if !ValidCategory(r.Reason) {
		return fmt.Errorf("unknown report category %q: %w", r.Reason, ErrValidation)
	}
	if len(r.Comment) > MaxCommentLength {
		return fmt.Errorf("comment exceeds %d characters: %w", MaxCommentLength, ErrValidation)
	}
	return nil
}
