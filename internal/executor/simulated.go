package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"vigilo/internal/accounts"
	"vigilo/internal/report"
)

// Simulated is a local stand-in executor for development and tests.
// Outcomes are drawn from the configured rates; a seeded source makes
// a run deterministic.
type Simulated struct {
	mu          sync.Mutex
	rng         *rand.Rand
	FailureRate float64
	BanRate     float64
	Latency     time.Duration
}

// NewSimulated creates a simulated executor with the given rates.
// Seed 0 seeds from the current time.
func NewSimulated(failureRate, banRate float64, latency time.Duration, seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		rng:         rand.New(rand.NewSource(seed)),
		FailureRate: failureRate,
		BanRate:     banRate,
		Latency:     latency,
	}
}

// ExecuteReport sleeps for the configured latency, then rolls an outcome.
func (s *Simulated) ExecuteReport(ctx context.Context, acct accounts.ReportingAccount, target report.Target, reason, comment string) (report.Outcome, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return report.Outcome{}, ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	switch {
	case roll < s.BanRate:
		return report.Outcome{Success: false, BanSignal: true, Detail: "simulated ban signal"}, nil
	case roll < s.BanRate+s.FailureRate:
		return report.Outcome{Success: false, Detail: "simulated execution failure"}, nil
	default:
		return report.Outcome{Success: true}, nil
	}
}
