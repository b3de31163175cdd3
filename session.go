package boardview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nightjar-co/boardview/internal/codec"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

// Session wraps a PostgreSQL transaction. The dispatcher uses one per envelope
// so a handler's document upserts and the checkpoint advance commit atomically.
// Call Commit to persist, or Close/Rollback to discard.
type Session struct {
	tx     pgx.Tx
	codec  codec.Codec
	schema *schema.Bootstrap
	closed bool
}

// Session begins a new transaction.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("boardview: begin session: %w", err)
	}

	return &Session{
		tx:     tx,
		codec:  s.codec,
		schema: schema.New(),
	}, nil
}

func (s *Session) DBExecutor() pg.Executor            { return txExecutor{s.tx} }
func (s *Session) JSONCodec() codec.Codec             { return s.codec }
func (s *Session) SchemaBootstrap() *schema.Bootstrap { return s.schema }

// Commit persists all operations in this session atomically.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("boardview: session already closed")
	}
	s.closed = true
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("boardview: commit session: %w", err)
	}
	return nil
}

// Rollback discards all operations. Safe to call multiple times.
func (s *Session) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("boardview: rollback session: %w", err)
	}
	return nil
}

// Close rolls back if not already committed. Safe to defer.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	return s.Rollback(ctx)
}

type txExecutor struct {
	tx pgx.Tx
}

func (e txExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return e.tx.Exec(ctx, sql, args...)
}

func (e txExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return e.tx.Query(ctx, sql, args...)
}

func (e txExecutor) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return e.tx.QueryRow(ctx, sql, args...)
}
