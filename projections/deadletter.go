package projections

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

// DeadLetter is a parked envelope: one that exhausted its retry budget for a
// subscriber. The full envelope is kept so it can be replayed manually.
type DeadLetter struct {
	Subscriber string
	Envelope   events.Envelope
	Reason     string
	ParkedAt   time.Time
}

// DeadLetters records and lists parked envelopes.
type DeadLetters interface {
	// Park records a poison envelope. Parking the same envelope twice
	// refreshes the reason.
	Park(ctx context.Context, subscriber string, env events.Envelope, cause error) error
	// List returns the subscriber's parked envelopes in park order.
	List(ctx context.Context, subscriber string) ([]DeadLetter, error)
	// Remove deletes a parked envelope after successful replay.
	Remove(ctx context.Context, subscriber string, category events.Category, aggregateID uuid.UUID, seq int) error
}

// DeadLetterStore is the PostgreSQL DeadLetters implementation.
type DeadLetterStore struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewDeadLetterStore creates a dead-letter store backed by the given backend.
func NewDeadLetterStore(b boardview.Backend) *DeadLetterStore {
	return &DeadLetterStore{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (dl *DeadLetterStore) Park(ctx context.Context, subscriber string, env events.Envelope, cause error) error {
	if err := dl.schema.EnsureDeadLetters(ctx, dl.exec); err != nil {
		return fmt.Errorf("dead letters %s: ensure table: %w", subscriber, err)
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	_, err := dl.exec.Exec(ctx,
		`INSERT INTO boardview_dead_letters (subscriber, category, aggregate_id, sequence_no, type, payload, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subscriber, category, aggregate_id, sequence_no)
		 DO UPDATE SET reason = $7, parked_at = now()`,
		subscriber, string(env.Category), env.AggregateID, env.SequenceNo, env.Type, env.Payload, reason,
	)
	if err != nil {
		return fmt.Errorf("dead letters %s: park %s/%d: %w", subscriber, env.AggregateID, env.SequenceNo, err)
	}
	return nil
}

func (dl *DeadLetterStore) List(ctx context.Context, subscriber string) ([]DeadLetter, error) {
	if err := dl.schema.EnsureDeadLetters(ctx, dl.exec); err != nil {
		return nil, fmt.Errorf("dead letters %s: ensure table: %w", subscriber, err)
	}

	rows, err := dl.exec.Query(ctx,
		`SELECT category, aggregate_id, sequence_no, type, payload, reason, parked_at
		 FROM boardview_dead_letters WHERE subscriber = $1 ORDER BY id ASC`,
		subscriber,
	)
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: list: %w", subscriber, err)
	}
	defer rows.Close()

	var result []DeadLetter
	for rows.Next() {
		d := DeadLetter{Subscriber: subscriber}
		var category string
		if err := rows.Scan(&category, &d.Envelope.AggregateID, &d.Envelope.SequenceNo,
			&d.Envelope.Type, &d.Envelope.Payload, &d.Reason, &d.ParkedAt); err != nil {
			return nil, fmt.Errorf("dead letters %s: scan: %w", subscriber, err)
		}
		d.Envelope.Category = events.Category(category)
		result = append(result, d)
	}
	return result, rows.Err()
}

func (dl *DeadLetterStore) Remove(ctx context.Context, subscriber string, category events.Category, aggregateID uuid.UUID, seq int) error {
	if err := dl.schema.EnsureDeadLetters(ctx, dl.exec); err != nil {
		return fmt.Errorf("dead letters %s: ensure table: %w", subscriber, err)
	}

	_, err := dl.exec.Exec(ctx,
		`DELETE FROM boardview_dead_letters
		 WHERE subscriber = $1 AND category = $2 AND aggregate_id = $3 AND sequence_no = $4`,
		subscriber, string(category), aggregateID, seq,
	)
	if err != nil {
		return fmt.Errorf("dead letters %s: remove %s/%d: %w", subscriber, aggregateID, seq, err)
	}
	return nil
}
