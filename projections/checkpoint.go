package projections

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

// Cursor statuses. A worker only consumes while its cursor is StatusRunning;
// operators set StatusStopped to pause a subscriber without unregistering it.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Checkpoints tracks, per subscriber, the last applied sequence number of
// every aggregate instance (the idempotency boundary) and the poll cursor
// over the category stream. Checkpoints advance monotonically and are never
// rolled back except by explicit reprocessing.
type Checkpoints interface {
	// LastApplied returns the last applied sequence number for the aggregate,
	// or 0 if the subscriber has never seen it.
	LastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID) (int, error)
	// SaveLastApplied advances the checkpoint. Regressions are ignored.
	SaveLastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID, seq int) error
	// Cursor returns the poll position and status for the subscriber.
	// A subscriber that has never run is at (0, StatusRunning).
	Cursor(ctx context.Context, subscriber string) (int64, string, error)
	// SaveCursor advances the poll position.
	SaveCursor(ctx context.Context, subscriber string, position int64) error
	// SetStatus updates the subscriber status.
	SetStatus(ctx context.Context, subscriber, status string) error
}

// CheckpointStore is the PostgreSQL Checkpoints implementation.
type CheckpointStore struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewCheckpointStore creates a checkpoint store backed by the given backend.
func NewCheckpointStore(b boardview.Backend) *CheckpointStore {
	return &CheckpointStore{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (cs *CheckpointStore) LastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID) (int, error) {
	if err := cs.schema.EnsureCheckpoints(ctx, cs.exec); err != nil {
		return 0, fmt.Errorf("checkpoint %s: ensure table: %w", subscriber, err)
	}

	var seq int
	err := cs.exec.QueryRow(ctx,
		`SELECT last_seq FROM boardview_checkpoints WHERE subscriber = $1 AND aggregate_id = $2`,
		subscriber, aggregateID,
	).Scan(&seq)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: load %s: %w", subscriber, aggregateID, err)
	}
	return seq, nil
}

func (cs *CheckpointStore) SaveLastApplied(ctx context.Context, subscriber string, aggregateID uuid.UUID, seq int) error {
	if err := cs.schema.EnsureCheckpoints(ctx, cs.exec); err != nil {
		return fmt.Errorf("checkpoint %s: ensure table: %w", subscriber, err)
	}

	// GREATEST keeps the checkpoint monotonic even under concurrent replays.
	_, err := cs.exec.Exec(ctx,
		`INSERT INTO boardview_checkpoints (subscriber, aggregate_id, last_seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (subscriber, aggregate_id)
		 DO UPDATE SET last_seq = GREATEST(boardview_checkpoints.last_seq, $3), updated_at = now()`,
		subscriber, aggregateID, seq,
	)
	if err != nil {
		return fmt.Errorf("checkpoint %s: save %s: %w", subscriber, aggregateID, err)
	}
	return nil
}

func (cs *CheckpointStore) Cursor(ctx context.Context, subscriber string) (int64, string, error) {
	if err := cs.schema.EnsureCursors(ctx, cs.exec); err != nil {
		return 0, "", fmt.Errorf("cursor %s: ensure table: %w", subscriber, err)
	}

	var position int64
	var status string
	err := cs.exec.QueryRow(ctx,
		`SELECT last_position, status FROM boardview_cursors WHERE subscriber = $1`,
		subscriber,
	).Scan(&position, &status)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, StatusRunning, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("cursor %s: load: %w", subscriber, err)
	}
	return position, status, nil
}

func (cs *CheckpointStore) SaveCursor(ctx context.Context, subscriber string, position int64) error {
	if err := cs.schema.EnsureCursors(ctx, cs.exec); err != nil {
		return fmt.Errorf("cursor %s: ensure table: %w", subscriber, err)
	}

	_, err := cs.exec.Exec(ctx,
		`INSERT INTO boardview_cursors (subscriber, last_position, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (subscriber)
		 DO UPDATE SET last_position = GREATEST(boardview_cursors.last_position, $2), updated_at = now()`,
		subscriber, position,
	)
	if err != nil {
		return fmt.Errorf("cursor %s: save: %w", subscriber, err)
	}
	return nil
}

func (cs *CheckpointStore) SetStatus(ctx context.Context, subscriber, status string) error {
	if err := cs.schema.EnsureCursors(ctx, cs.exec); err != nil {
		return fmt.Errorf("cursor %s: ensure table: %w", subscriber, err)
	}

	_, err := cs.exec.Exec(ctx,
		`INSERT INTO boardview_cursors (subscriber, last_position, status, updated_at)
		 VALUES ($1, 0, $2, now())
		 ON CONFLICT (subscriber) DO UPDATE SET status = $2, updated_at = now()`,
		subscriber, status,
	)
	if err != nil {
		return fmt.Errorf("cursor %s: set status: %w", subscriber, err)
	}
	return nil
}

// Reset moves the cursor back to 0 and clears the subscriber's per-aggregate
// checkpoints so the projection rebuilds from the start of the stream.
func (cs *CheckpointStore) Reset(ctx context.Context, subscriber string) error {
	if err := cs.schema.EnsureCheckpoints(ctx, cs.exec); err != nil {
		return fmt.Errorf("checkpoint %s: ensure table: %w", subscriber, err)
	}
	if err := cs.schema.EnsureCursors(ctx, cs.exec); err != nil {
		return fmt.Errorf("cursor %s: ensure table: %w", subscriber, err)
	}

	if _, err := cs.exec.Exec(ctx,
		`DELETE FROM boardview_checkpoints WHERE subscriber = $1`, subscriber); err != nil {
		return fmt.Errorf("checkpoint %s: reset: %w", subscriber, err)
	}
	if _, err := cs.exec.Exec(ctx,
		`INSERT INTO boardview_cursors (subscriber, last_position, status, updated_at)
		 VALUES ($1, 0, 'running', now())
		 ON CONFLICT (subscriber) DO UPDATE SET last_position = 0, status = 'running', updated_at = now()`,
		subscriber); err != nil {
		return fmt.Errorf("cursor %s: reset: %w", subscriber, err)
	}
	return nil
}
