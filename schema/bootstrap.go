// Package schema manages idempotent creation of boardview tables and indexes.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/nightjar-co/boardview/internal/pg"
)

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,54}$`)

// ValidateCollectionName checks that name is a valid collection identifier
// (lowercase alphanumeric with underscores, max 55 characters, starts with a
// letter). Collection names become table name suffixes, so they are validated
// before any DDL or query interpolation.
func ValidateCollectionName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("schema: invalid collection name %q: must be lowercase alphanumeric with underscores, max 55 chars", name)
	}
	return nil
}

func collectionDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS boardview_%s (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, name)
}

func eventsDDL() string {
	return `CREATE TABLE IF NOT EXISTS boardview_events (
	category TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	sequence_no INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	global_position BIGINT GENERATED ALWAYS AS IDENTITY,
	PRIMARY KEY (category, aggregate_id, sequence_no)
)`
}

func checkpointsDDL() string {
	return `CREATE TABLE IF NOT EXISTS boardview_checkpoints (
	subscriber TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	last_seq INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subscriber, aggregate_id)
)`
}

func cursorsDDL() string {
	return `CREATE TABLE IF NOT EXISTS boardview_cursors (
	subscriber TEXT PRIMARY KEY,
	last_position BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

func deadLettersDDL() string {
	return `CREATE TABLE IF NOT EXISTS boardview_dead_letters (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	subscriber TEXT NOT NULL,
	category TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	sequence_no INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload JSONB,
	reason TEXT NOT NULL DEFAULT '',
	parked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (subscriber, category, aggregate_id, sequence_no)
)`
}

// Bootstrap caches which tables and indexes have been created so repeated
// operations skip the DDL round trip.
type Bootstrap struct {
	tables  sync.Map
	indexes sync.Map
}

// New returns a Bootstrap with empty caches.
func New() *Bootstrap {
	return &Bootstrap{}
}

// InvalidateTable removes a table from the creation cache so the next Ensure
// call re-runs the DDL. Used after dropping a projection collection for
// rebuild.
func (b *Bootstrap) InvalidateTable(table string) {
	b.tables.Delete(table)
}

func (b *Bootstrap) ensure(ctx context.Context, exec pg.Executor, table, ddl string) error {
	if _, ok := b.tables.Load(table); ok {
		return nil
	}
	if _, err := exec.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("schema: create table %s: %w", table, err)
	}
	b.tables.Store(table, true)
	return nil
}

// EnsureCollection creates the boardview_{name} document table if needed.
func (b *Bootstrap) EnsureCollection(ctx context.Context, exec pg.Executor, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	return b.ensure(ctx, exec, "boardview_"+name, collectionDDL(name))
}

// EnsureEvents creates the boardview_events table if needed.
func (b *Bootstrap) EnsureEvents(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "boardview_events", eventsDDL())
}

// EnsureEventsPositionIndex creates the category/global_position index used by
// category polls.
func (b *Bootstrap) EnsureEventsPositionIndex(ctx context.Context, exec pg.Executor) error {
	const name = "boardview_events_category_position_idx"
	if _, ok := b.indexes.Load(name); ok {
		return nil
	}
	_, err := exec.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS boardview_events_category_position_idx
		 ON boardview_events (category, global_position)`)
	if err != nil {
		return fmt.Errorf("schema: create index %s: %w", name, err)
	}
	b.indexes.Store(name, true)
	return nil
}

// EnsureCheckpoints creates the per-(subscriber, aggregate) checkpoint table.
func (b *Bootstrap) EnsureCheckpoints(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "boardview_checkpoints", checkpointsDDL())
}

// EnsureCursors creates the per-subscriber poll cursor table.
func (b *Bootstrap) EnsureCursors(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "boardview_cursors", cursorsDDL())
}

// EnsureDeadLetters creates the parked-envelope table.
func (b *Bootstrap) EnsureDeadLetters(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "boardview_dead_letters", deadLettersDDL())
}
