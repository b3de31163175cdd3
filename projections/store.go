package projections

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/internal/codec"
	"github.com/nightjar-co/boardview/internal/pg"
	"github.com/nightjar-co/boardview/schema"
)

// DocumentStore is the projection-store handle handed to handlers. Each
// subscriber owns disjoint collections, so no cross-subscriber write
// contention is expected. Upserts are idempotent: applying the same bytes
// twice yields the same stored state.
type DocumentStore interface {
	// Get reads a document. Returns (nil, nil) when the document is absent.
	Get(ctx context.Context, collection, id string) ([]byte, error)
	// Upsert inserts or overwrites a document.
	Upsert(ctx context.Context, collection, id string, data []byte) error
	// Delete removes a document; removing an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error
}

type pgDocumentStore struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewDocumentStore returns a DocumentStore backed by the given backend. Pass
// a Session to group writes with a checkpoint advance.
func NewDocumentStore(b boardview.Backend) DocumentStore {
	return &pgDocumentStore{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (ds *pgDocumentStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ds.schema.EnsureCollection(ctx, ds.exec, collection); err != nil {
		return nil, err
	}

	var data []byte
	err := ds.exec.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM boardview_%s WHERE id = $1`, collection),
		id,
	).Scan(&data)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("documents %s: get %s: %w", collection, id, err)
	}
	return data, nil
}

func (ds *pgDocumentStore) Upsert(ctx context.Context, collection, id string, data []byte) error {
	if err := ds.schema.EnsureCollection(ctx, ds.exec, collection); err != nil {
		return err
	}

	_, err := ds.exec.Exec(ctx,
		fmt.Sprintf(`INSERT INTO boardview_%s (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = $2, version = boardview_%s.version + 1, updated_at = now()`,
			collection, collection),
		id, data,
	)
	if err != nil {
		return fmt.Errorf("documents %s: upsert %s: %w", collection, id, err)
	}
	return nil
}

func (ds *pgDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := ds.schema.EnsureCollection(ctx, ds.exec, collection); err != nil {
		return err
	}

	_, err := ds.exec.Exec(ctx,
		fmt.Sprintf(`DELETE FROM boardview_%s WHERE id = $1`, collection),
		id,
	)
	if err != nil {
		return fmt.Errorf("documents %s: delete %s: %w", collection, id, err)
	}
	return nil
}

var docCodec = codec.NewJSON()

// LoadDoc reads and decodes a typed document. The second return value reports
// whether the document existed.
func LoadDoc[T any](ctx context.Context, ds DocumentStore, collection, id string) (*T, bool, error) {
	data, err := ds.Get(ctx, collection, id)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	var doc T
	if err := docCodec.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("documents %s: decode %s: %w", collection, id, err)
	}
	return &doc, true, nil
}

// SaveDoc encodes and upserts a typed document.
func SaveDoc[T any](ctx context.Context, ds DocumentStore, collection, id string, doc *T) error {
	data, err := docCodec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("documents %s: encode %s: %w", collection, id, err)
	}
	return ds.Upsert(ctx, collection, id, data)
}
