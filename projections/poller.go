package projections

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
)

// EventSource supplies batches of envelopes for one category in global
// position order.
type EventSource interface {
	Poll(ctx context.Context, category events.Category, afterPosition int64, limit int) ([]events.Envelope, error)
}

// Poller reads category batches from the event store and supports
// LISTEN/NOTIFY for low-latency wakeups.
type Poller struct {
	es   *events.Store
	pool *pgxpool.Pool
}

// NewPoller creates a poller over the given store's event log.
func NewPoller(store *boardview.Store) *Poller {
	return &Poller{
		es:   events.New(store),
		pool: store.PgxPool(),
	}
}

// Poll returns up to limit envelopes of the category with global_position
// greater than afterPosition.
func (p *Poller) Poll(ctx context.Context, category events.Category, afterPosition int64, limit int) ([]events.Envelope, error) {
	return p.es.ReadCategory(ctx, category, afterPosition, limit)
}

// WaitForNotification blocks until an append pulses the events channel or the
// context is cancelled.
func (p *Poller) WaitForNotification(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("poller: acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+events.NotifyChannel); err != nil {
		return fmt.Errorf("poller: listen: %w", err)
	}

	if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
		return fmt.Errorf("poller: wait: %w", err)
	}
	return nil
}
