// Package events provides the append-only event log shared by the write-side
// aggregates and the projection engine. Envelopes carry a per-aggregate
// sequence number used for ordering and duplicate suppression, and a global
// position used as the poll cursor.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NotifyChannel is the pg_notify channel pulsed after each append so pollers
// wake up without waiting a full interval.
const NotifyChannel = "boardview_events"

// Category identifies an aggregate category. Each subscriber consumes exactly
// one category's stream.
type Category string

// Envelope is the immutable unit of delivery. SequenceNo increases by one per
// event within an aggregate; GlobalPosition is assigned by the database on
// append and totally orders the log.
type Envelope struct {
	Category       Category
	AggregateID    uuid.UUID
	SequenceNo     int
	Type           string
	Payload        []byte
	CreatedAt      time.Time
	GlobalPosition int64
}

// Store provides append and read operations over boardview_events.
type Store struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// New creates an event store using the given backend.
func New(b boardview.Backend) *Store {
	return &Store{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

// Append writes envelopes for one aggregate with optimistic concurrency.
// Pass expectedSeq 0 to create the aggregate. Returns ErrAggregateExists if
// the aggregate already has events and expectedSeq is 0, or
// ErrConcurrencyConflict if expectedSeq doesn't match the stored sequence.
// Only Category, Type and Payload of each envelope are consulted; sequence
// numbers are assigned here.
func (es *Store) Append(ctx context.Context, category Category, aggregateID uuid.UUID, expectedSeq int, evts []Envelope) error {
	if len(evts) == 0 {
		return fmt.Errorf("events: append %s/%s: at least one event required", category, aggregateID)
	}

	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return err
	}

	if expectedSeq > 0 {
		var current int
		err := es.exec.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence_no), 0) FROM boardview_events
			 WHERE category = $1 AND aggregate_id = $2`,
			string(category), aggregateID,
		).Scan(&current)
		if err != nil {
			return fmt.Errorf("events: append %s/%s: check sequence: %w", category, aggregateID, err)
		}
		if current != expectedSeq {
			return fmt.Errorf("events: append %s/%s: expected sequence %d but got %d: %w",
				category, aggregateID, expectedSeq, current, boardview.ErrConcurrencyConflict)
		}
	}

	builder := psql.Insert("boardview_events").
		Columns("category", "aggregate_id", "sequence_no", "type", "payload")

	for i, evt := range evts {
		builder = builder.Values(string(category), aggregateID, expectedSeq+i+1, evt.Type, evt.Payload)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("events: append %s/%s: build sql: %w", category, aggregateID, err)
	}

	if _, err := es.exec.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if expectedSeq == 0 {
				return fmt.Errorf("events: append %s/%s: %w", category, aggregateID, boardview.ErrAggregateExists)
			}
			return fmt.Errorf("events: append %s/%s: %w", category, aggregateID, boardview.ErrConcurrencyConflict)
		}
		return fmt.Errorf("events: append %s/%s: %w", category, aggregateID, err)
	}

	// best-effort wakeup for projection pollers
	_, _ = es.exec.Exec(ctx, fmt.Sprintf("SELECT pg_notify('%s', '')", NotifyChannel))

	return nil
}

// ReadAggregate returns one aggregate's envelopes in sequence order, starting
// from fromSeq. Pass 0 to read from the beginning. Returns an empty slice if
// the aggregate has no events.
func (es *Store) ReadAggregate(ctx context.Context, category Category, aggregateID uuid.UUID, fromSeq int) ([]Envelope, error) {
	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return nil, err
	}

	builder := selectEnvelopes().
		Where(sq.Eq{"category": string(category), "aggregate_id": aggregateID}).
		OrderBy("sequence_no ASC")

	if fromSeq > 0 {
		builder = builder.Where(sq.GtOrEq{"sequence_no": fromSeq})
	}

	return es.query(ctx, builder, fmt.Sprintf("read %s/%s", category, aggregateID))
}

// ReadCategory returns envelopes of one category across all aggregates,
// ordered by global position, with global_position > afterPosition, up to
// limit envelopes.
func (es *Store) ReadCategory(ctx context.Context, category Category, afterPosition int64, limit int) ([]Envelope, error) {
	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return nil, err
	}
	if err := es.schema.EnsureEventsPositionIndex(ctx, es.exec); err != nil {
		return nil, err
	}

	builder := selectEnvelopes().
		Where(sq.Eq{"category": string(category)}).
		Where(sq.Gt{"global_position": afterPosition}).
		OrderBy("global_position ASC").
		Limit(uint64(limit))

	return es.query(ctx, builder, fmt.Sprintf("read category %s", category))
}

func selectEnvelopes() sq.SelectBuilder {
	return psql.
		Select("category", "aggregate_id", "sequence_no", "type", "payload", "created_at", "global_position").
		From("boardview_events")
}

func (es *Store) query(ctx context.Context, builder sq.SelectBuilder, op string) ([]Envelope, error) {
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("events: %s: build sql: %w", op, err)
	}

	rows, err := es.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("events: %s: %w", op, err)
	}
	defer rows.Close()

	var result []Envelope
	for rows.Next() {
		var e Envelope
		var category string
		if err := rows.Scan(&category, &e.AggregateID, &e.SequenceNo, &e.Type, &e.Payload, &e.CreatedAt, &e.GlobalPosition); err != nil {
			return nil, fmt.Errorf("events: %s: scan: %w", op, err)
		}
		e.Category = Category(category)
		result = append(result, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: %s: %w", op, err)
	}
	return result, nil
}
