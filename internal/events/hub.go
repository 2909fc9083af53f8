package events

import (
	"context"
	"sync"
	"time"

	"vigilo/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub fans events out to subscribers. Publishing never blocks: events for
// lagging subscribers are dropped and counted rather than stalling dispatch.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	broadcast chan Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewHub creates a hub. Run must be called before events flow.
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[int]chan Event),
		broadcast: make(chan Event, 256),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the fan-out loop and returns immediately.
// The loop exits when ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case e := <-h.broadcast:
				h.deliver(e)
			}
		}
	}()
	log.Debug().Msg("event hub started")
}

// Stop terminates the fan-out loop and waits for it to exit.
func (h *Hub) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	h.wg.Wait()
}

// Publish queues an event for fan-out. The event timestamp is set here when
// the caller left it zero. Never blocks; drops when the hub is saturated.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
		metrics.EventsDroppedTotal.Inc()
	}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns the receive channel plus a cancel function. Cancel closes the
// channel, so range loops over it terminate.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *Hub) deliver(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}
