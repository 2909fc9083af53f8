package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigilo/internal/events"

	"github.com/rs/zerolog/log"
)

// Mailer is the sending side of Sender, split out so tests can stub SMTP.
type Mailer interface {
	Enabled() bool
	Send(to, subject, body string) error
}

var _ Mailer = (*Sender)(nil)

// DefaultAlertThrottle spaces repeat alerts of the same kind.
const DefaultAlertThrottle = 15 * time.Minute

// Alerter mails the operator when the account pool degrades. A banned
// account or an empty pool needs a human before the queue stalls, and
// the bot DM path may be the thing that broke.
type Alerter struct {
	mailer   Mailer
	to       string
	throttle time.Duration

	mu       sync.Mutex
	lastSent map[events.Type]time.Time

	wg sync.WaitGroup
}

// NewAlerter builds an Alerter mailing to the given address. A throttle
// of zero or less falls back to DefaultAlertThrottle.
func NewAlerter(mailer Mailer, to string, throttle time.Duration) *Alerter {
	if throttle <= 0 {
		throttle = DefaultAlertThrottle
	}
	return &Alerter{
		mailer:   mailer,
		to:       to,
		throttle: throttle,
		lastSent: make(map[events.Type]time.Time),
	}
}

// Run subscribes to the hub and mails matching events until ctx is
// canceled. Does nothing when SMTP or the recipient is unconfigured.
func (a *Alerter) Run(ctx context.Context, hub *events.Hub) {
	if !a.mailer.Enabled() || a.to == "" {
		log.Info().Msg("alert mail disabled")
		return
	}

	ch, cancel := hub.Subscribe(16)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				a.handle(e)
			}
		}
	}()
}

// Wait blocks until the event loop has exited.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

func (a *Alerter) handle(e events.Event) {
	var subject, body string
	switch e.Type {
	case events.AccountBanned:
		subject = "vigilo: reporting account banned"
		body = fmt.Sprintf("Account %s was flagged as banned.\n\nDetail: %s\n\nThe pool lost capacity. Check /accounts in the bot or the admin API.",
			e.AccountID, e.Detail)
	case events.PoolEmpty:
		subject = "vigilo: account pool exhausted"
		body = "No reporting account is available. Queued reports retry with backoff until an account recovers or one is added."
	default:
		return
	}

	if !a.shouldSend(e.Type) {
		return
	}
	if err := a.mailer.Send(a.to, subject, body); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to send alert mail")
		return
	}
	log.Info().Str("subject", subject).Str("to", a.to).Msg("alert mail sent")
}

// shouldSend allows one mail per event type per throttle window.
func (a *Alerter) shouldSend(t events.Type) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if last, ok := a.lastSent[t]; ok && now.Sub(last) < a.throttle {
		return false
	}
	a.lastSent[t] = now
	return true
}
