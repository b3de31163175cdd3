// Package boardview keeps denormalized read models in sync with the event
// streams produced by write-side aggregates. The root package holds the
// PostgreSQL store, transactional sessions, and generic document collections;
// the projections package contains the subscription engine that feeds them.
package boardview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nightjar-co/boardview/internal/codec"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

// Backend is anything that can execute queries against boardview tables.
// *Store and *Session both implement it, so collections, event streams, and
// checkpoint stores work identically inside and outside a transaction.
type Backend interface {
	DBExecutor() pg.Executor
	JSONCodec() codec.Codec
	SchemaBootstrap() *schema.Bootstrap
}

// Store is the main entry point. It holds a PostgreSQL connection pool shared
// by the event store, the projection engine, and the query layer.
type Store struct {
	pool   *pg.Pool
	codec  codec.Codec
	schema *schema.Bootstrap
}

// New connects to PostgreSQL and returns a configured Store.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pg.NewPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("boardview: %w", err)
	}

	return &Store{
		pool:   pool,
		codec:  cfg.codec,
		schema: schema.New(),
	}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// DBExecutor returns the underlying database executor.
func (s *Store) DBExecutor() pg.Executor { return s.pool }

// JSONCodec returns the configured codec.
func (s *Store) JSONCodec() codec.Codec { return s.codec }

// SchemaBootstrap returns the schema bootstrap manager.
func (s *Store) SchemaBootstrap() *schema.Bootstrap { return s.schema }

// PgxPool returns the raw pgxpool.Pool for stdlib adapters (bun) and
// LISTEN/NOTIFY connections.
func (s *Store) PgxPool() *pgxpool.Pool { return s.pool.PgxPool() }
