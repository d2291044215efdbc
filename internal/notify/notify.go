// Package notify publishes terminal job transitions and fans them out to
// waiting status requests.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Default channel names.
const (
	RedisChannel    = "strategy:job-events"
	PostgresChannel = "strategy_job_events"
)

// Event is emitted once per terminal transition.
type Event struct {
	JobID      string `json:"job_id"`
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
}

// Publisher emits job events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber delivers job events until ctx is done or the connection drops,
// at which point the channel is closed.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Notifier is both ends of a channel.
type Notifier interface {
	Publisher
	Subscriber
}

// FromConfig selects a notifier by name: "redis", "postgres" or "memory".
// memory only reaches subscribers in the same process.
func FromConfig(kind string, client *redis.Client, pool *pgxpool.Pool) (Notifier, error) {
	switch strings.ToLower(kind) {
	case "", "redis":
		if client == nil {
			return nil, fmt.Errorf("redis notifier: no client")
		}
		return NewRedisNotifier(client, ""), nil
	case "postgres", "pg":
		if pool == nil {
			return nil, fmt.Errorf("postgres notifier: no pool")
		}
		return NewPGNotifier(pool, ""), nil
	case "memory", "local":
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", kind)
	}
}

func encode(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(b), nil
}

func decode(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

// Local is an in-process notifier for single-process runs and tests.
type Local struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewLocal returns an in-process notifier.
func NewLocal() *Local {
	return &Local{subs: map[chan Event]struct{}{}}
}

// Publish delivers e to every current subscriber without blocking.
func (l *Local) Publish(_ context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (l *Local) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}
