package projections

import (
	"context"
	"fmt"

	"github.com/nightjar-co/boardview"
)

// Storage groups the persistence the worker needs: checkpoint reads, dead
// letters, and per-envelope transactions. The PostgreSQL implementation
// commits a handler's document writes and the checkpoint advance in one
// transaction, so a crash between them cannot split the effect.
type Storage interface {
	Checkpoints() Checkpoints
	DeadLetters() DeadLetters
	Begin(ctx context.Context) (Txn, error)
}

// Txn scopes one envelope's application.
type Txn interface {
	Documents() DocumentStore
	Checkpoints() Checkpoints
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type pgStorage struct {
	store *boardview.Store
	cp    *CheckpointStore
	dl    *DeadLetterStore
}

// NewStorage returns worker storage backed by the given store.
func NewStorage(store *boardview.Store) Storage {
	return &pgStorage{
		store: store,
		cp:    NewCheckpointStore(store),
		dl:    NewDeadLetterStore(store),
	}
}

func (s *pgStorage) Checkpoints() Checkpoints { return s.cp }
func (s *pgStorage) DeadLetters() DeadLetters { return s.dl }

func (s *pgStorage) Begin(ctx context.Context) (Txn, error) {
	sess, err := s.store.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("projections: begin: %w", err)
	}
	return &pgTxn{sess: sess}, nil
}

type pgTxn struct {
	sess *boardview.Session
}

func (t *pgTxn) Documents() DocumentStore { return NewDocumentStore(t.sess) }
func (t *pgTxn) Checkpoints() Checkpoints { return NewCheckpointStore(t.sess) }

func (t *pgTxn) Commit(ctx context.Context) error   { return t.sess.Commit(ctx) }
func (t *pgTxn) Rollback(ctx context.Context) error { return t.sess.Rollback(ctx) }
