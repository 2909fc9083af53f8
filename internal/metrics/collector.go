package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Nil functions are skipped; a negative count marks the source unavailable
// and leaves the gauge untouched.
type StatsSource struct {
	UserCount            func() int
	QueueDepth           func() int
	TaskCountByState     func() map[string]int
	AccountCountByStatus func() map[string]int
	PendingPurchaseCount func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.UserCount != nil {
		if n := src.UserCount(); n >= 0 {
			UsersTotal.Set(float64(n))
		}
	}
	if src.QueueDepth != nil {
		if n := src.QueueDepth(); n >= 0 {
			QueueDepth.Set(float64(n))
		}
	}
	if src.TaskCountByState != nil {
		for state, count := range src.TaskCountByState() {
			TasksByState.WithLabelValues(state).Set(float64(count))
		}
	}
	if src.AccountCountByStatus != nil {
		for status, count := range src.AccountCountByStatus() {
			AccountsByStatus.WithLabelValues(status).Set(float64(count))
		}
	}
	if src.PendingPurchaseCount != nil {
		if n := src.PendingPurchaseCount(); n >= 0 {
			PurchasesPending.Set(float64(n))
		}
	}
}
