package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hub keeps one subscription per process and fans events out to waiters
// registered per snapshot. Delivery is best effort; waiters must fall back
// to reading state directly.
type Hub struct {
	sub Subscriber

	mu      sync.Mutex
	waiters map[string]map[chan Event]struct{}

	readyOnce sync.Once
	ready     chan struct{}

	// RetryDelay is the pause before resubscribing after a dropped subscription.
	RetryDelay time.Duration
}

// NewHub builds a hub over sub.
func NewHub(sub Subscriber) *Hub {
	return &Hub{
		sub:        sub,
		waiters:    map[string]map[chan Event]struct{}{},
		ready:      make(chan struct{}),
		RetryDelay: time.Second,
	}
}

// Ready is closed once the first subscription is established.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run subscribes and dispatches until ctx is done, resubscribing when the
// subscription drops.
func (h *Hub) Run(ctx context.Context) {
	logger := zap.L().With(zap.String("component", "notify_hub"))
	for ctx.Err() == nil {
		events, err := h.sub.Subscribe(ctx)
		if err != nil {
			logger.Warn("subscribe failed", zap.Error(err))
		} else {
			h.readyOnce.Do(func() { close(h.ready) })
			for e := range events {
				h.dispatch(e)
			}
			if ctx.Err() == nil {
				logger.Warn("subscription dropped, resubscribing")
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(h.RetryDelay):
		}
	}
}

// Wait registers interest in snapshotID. The returned channel receives at
// most one event; cancel must be called to release it.
func (h *Hub) Wait(snapshotID string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	h.mu.Lock()
	set, ok := h.waiters[snapshotID]
	if !ok {
		set = map[chan Event]struct{}{}
		h.waiters[snapshotID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.waiters[snapshotID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.waiters, snapshotID)
				}
			}
		})
	}
}

// Waiting returns the number of waiters registered for snapshotID.
func (h *Hub) Waiting(snapshotID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[snapshotID])
}

func (h *Hub) dispatch(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.waiters[e.SnapshotID] {
		select {
		case ch <- e:
		default:
		}
	}
}
