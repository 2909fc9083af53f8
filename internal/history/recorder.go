package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"vigilo/internal/events"
	"vigilo/internal/ledger"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

var _ ledger.Journal = (*Recorder)(nil)

// Recorder consumes hub events and ledger journal callbacks and persists
// them to the archive. It also serves archive queries for the bot and the
// ops API. Archival is best effort: a write failure is logged and the
// operation that produced the row is unaffected.
type Recorder struct {
	store Store
	wg    sync.WaitGroup
}

// NewRecorder creates a recorder over the given archive store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Run subscribes to the hub and archives terminal task transitions until
// ctx is cancelled. Returns immediately.
func (r *Recorder) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(64)
	// Inserts run on a detached context so rows already in flight survive
	// shutdown cancellation.
	insertCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				r.record(insertCtx, e)
			}
		}
	}()
	log.Debug().Msg("history recorder started")
}

// Wait blocks until the event loop has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, e events.Event) {
	switch e.Type {
	case events.TaskCompleted, events.TaskFailed, events.TaskRejected, events.TaskReviewed:
	default:
		return
	}

	entry := TaskEntry{
		TaskID:    e.TaskID,
		UserID:    e.UserID,
		AccountID: e.AccountID,
		State:     e.State,
		Detail:    e.Detail,
		At:        e.At,
	}
	if err := r.store.InsertTaskEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("task_id", e.TaskID).Str("state", e.State).
			Msg("failed to archive task transition")
	}
}

// RecordSettlement archives a committed or refunded reservation. Implements
// ledger.Journal.
func (r *Recorder) RecordSettlement(ctx context.Context, res ledger.Reservation, kind ledger.TransactionKind) {
	entry := LedgerEntry{
		UserID: res.UserID,
		TaskID: res.TaskID,
		Kind:   string(kind),
		Amount: res.Amount,
		At:     time.Now(),
	}
	if err := r.store.InsertLedgerEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("reservation_id", res.ID).Str("kind", string(kind)).
			Msg("failed to archive settlement")
	}
}

// RecordCredit archives a direct balance adjustment. Implements
// ledger.Journal.
func (r *Recorder) RecordCredit(ctx context.Context, userID int64, amount int64, note string) {
	entry := LedgerEntry{
		UserID: userID,
		Kind:   string(ledger.TransactionCredit),
		Amount: amount,
		Note:   note,
		At:     time.Now(),
	}
	if err := r.store.InsertLedgerEntry(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Int64("user_id", userID).
			Msg("failed to archive credit")
	}
}

// Tasks returns archived task transitions matching the filter, newest first.
func (r *Recorder) Tasks(ctx context.Context, f Filter) ([]TaskEntry, error) {
	return r.store.Tasks(ctx, f)
}

// Ledger returns a user's archived ledger movements, newest first.
func (r *Recorder) Ledger(ctx context.Context, userID int64, limit int) ([]LedgerEntry, error) {
	return r.store.Ledger(ctx, userID, limit)
}

// Counts reports archive row totals for the stats endpoint.
func (r *Recorder) Counts(ctx context.Context) (tasks int, ledgerRows int, err error) {
	return r.store.Counts(ctx)
}

type exportRow struct {
	Type   string       `json:"type"`
	Task   *TaskEntry   `json:"task,omitempty"`
	Ledger *LedgerEntry `json:"ledger,omitempty"`
}

// Export streams the full archive to w as zstd-compressed JSON lines, task
// rows first, then ledger rows.
func (r *Recorder) Export(ctx context.Context, w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to start zstd stream: %w", err)
	}
	out := json.NewEncoder(enc)

	if err := r.store.ForEachTaskEntry(ctx, func(e TaskEntry) error {
		return out.Encode(exportRow{Type: "task", Task: &e})
	}); err != nil {
		enc.Close()
		return fmt.Errorf("failed to export task history: %w", err)
	}
	if err := r.store.ForEachLedgerEntry(ctx, func(e LedgerEntry) error {
		return out.Encode(exportRow{Type: "ledger", Ledger: &e})
	}); err != nil {
		enc.Close()
		return fmt.Errorf("failed to export ledger history: %w", err)
	}
	return enc.Close()
}
