package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGNotifier uses Postgres LISTEN/NOTIFY.
type PGNotifier struct {
	pool    *pgxpool.Pool
	channel string
}

// NewPGNotifier returns a notifier on channel (PostgresChannel when empty).
func NewPGNotifier(pool *pgxpool.Pool, channel string) *PGNotifier {
	if channel == "" {
		channel = PostgresChannel
	}
	return &PGNotifier{pool: pool, channel: channel}
}

// Publish implements Publisher.
func (n *PGNotifier) Publish(ctx context.Context, e Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe holds one pooled connection in LISTEN until ctx is done.
func (n *PGNotifier) Subscribe(ctx context.Context) (<-chan Event, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() {
			// A connection still in LISTEN must not go back to the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()
		for {
			msg, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("postgres listener stopped", zap.Error(err))
				}
				return
			}
			e, err := decode(msg.Payload)
			if err != nil {
				zap.L().Warn("dropping malformed job event", zap.Error(err))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
