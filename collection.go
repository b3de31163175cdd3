package boardview

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/nightjar-co/boardview/internal/codec"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// CollectionOf provides typed access to a projection document collection.
// Documents are addressed by an explicit identity derived by the projection
// handler (aggregate id, task id, ...), stored as JSONB.
type CollectionOf[T any] struct {
	name   string
	table  string
	exec   pg.Executor
	codec  codec.Codec
	schema *schema.Bootstrap
}

// Collection returns typed access to the named collection through b.
func Collection[T any](b Backend, name string) *CollectionOf[T] {
	return &CollectionOf[T]{
		name:   name,
		table:  "boardview_" + name,
		exec:   b.DBExecutor(),
		codec:  b.JSONCodec(),
		schema: b.SchemaBootstrap(),
	}
}

func (c *CollectionOf[T]) ensure(ctx context.Context) error {
	return c.schema.EnsureCollection(ctx, c.exec, c.name)
}

// Load reads the document with the given id. Returns ErrNotFound when absent.
func (c *CollectionOf[T]) Load(ctx context.Context, id string) (*T, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	sql, args, err := psql.Select("data").From(c.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("collection %s: load %s: build sql: %w", c.name, id, err)
	}

	var data []byte
	err = c.exec.QueryRow(ctx, sql, args...).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("collection %s: load %s: %w", c.name, id, ErrNotFound)
		}
		return nil, fmt.Errorf("collection %s: load %s: %w", c.name, id, err)
	}

	var doc T
	if err := c.codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("collection %s: load %s: unmarshal: %w", c.name, id, err)
	}
	return &doc, nil
}

// Upsert writes the document under the given id. Applying the same document
// value twice yields the same stored state; the version column counts writes.
func (c *CollectionOf[T]) Upsert(ctx context.Context, id string, doc *T) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}

	data, err := c.codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("collection %s: upsert %s: marshal: %w", c.name, id, err)
	}

	_, err = c.exec.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = $2, version = %s.version + 1, updated_at = now()`,
			c.table, c.table),
		id, data,
	)
	if err != nil {
		return fmt.Errorf("collection %s: upsert %s: %w", c.name, id, err)
	}
	return nil
}

// Delete removes the document with the given id. Deleting an absent document
// is a no-op, not an error.
func (c *CollectionOf[T]) Delete(ctx context.Context, id string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}

	sql, args, err := psql.Delete(c.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("collection %s: delete %s: build sql: %w", c.name, id, err)
	}

	if _, err := c.exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("collection %s: delete %s: %w", c.name, id, err)
	}
	return nil
}

// All returns every document in the collection ordered by id.
func (c *CollectionOf[T]) All(ctx context.Context) ([]*T, error) {
	return c.Query().Execute(ctx)
}
