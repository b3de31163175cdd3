//go:build integration

package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/internal/testutil"
)

func setupStore(t *testing.T) *boardview.Store {
	t.Helper()
	connStr := testutil.SetupPostgres(t)
	store, err := boardview.New(context.Background(), connStr)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndReadAggregate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	es := events.New(store)
	agg := uuid.New()

	err := es.Append(ctx, "project", agg, 0, []events.Envelope{
		{Type: "ProjectCreatedEvent", Payload: []byte(`{"title":"p"}`)},
		{Type: "TagCreatedEvent", Payload: []byte(`{"name":"CREATED"}`)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	envs, err := es.ReadAggregate(ctx, "project", agg, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	if envs[0].SequenceNo != 1 || envs[1].SequenceNo != 2 {
		t.Errorf("sequence numbers: %d, %d", envs[0].SequenceNo, envs[1].SequenceNo)
	}
	if envs[0].Type != "ProjectCreatedEvent" {
		t.Errorf("type: got %q", envs[0].Type)
	}
	if envs[1].GlobalPosition <= envs[0].GlobalPosition {
		t.Errorf("global positions not increasing: %d, %d", envs[0].GlobalPosition, envs[1].GlobalPosition)
	}
}

func TestAppendExistingAggregate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	es := events.New(store)
	agg := uuid.New()

	first := []events.Envelope{{Type: "UserCreated", Payload: []byte(`{}`)}}
	if err := es.Append(ctx, "user", agg, 0, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := es.Append(ctx, "user", agg, 0, first)
	if !errors.Is(err, boardview.ErrAggregateExists) {
		t.Fatalf("got %v, want ErrAggregateExists", err)
	}
}

func TestAppendConcurrencyConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	es := events.New(store)
	agg := uuid.New()

	if err := es.Append(ctx, "project", agg, 0, []events.Envelope{
		{Type: "ProjectCreatedEvent", Payload: []byte(`{}`)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Stale writer: expects sequence 2 but the stream is at 1.
	err := es.Append(ctx, "project", agg, 2, []events.Envelope{
		{Type: "TaskCreatedEvent", Payload: []byte(`{}`)},
	})
	if !errors.Is(err, boardview.ErrConcurrencyConflict) {
		t.Fatalf("got %v, want ErrConcurrencyConflict", err)
	}
}

func TestReadCategoryPagination(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	es := events.New(store)

	for i := 0; i < 3; i++ {
		if err := es.Append(ctx, "project", uuid.New(), 0, []events.Envelope{
			{Type: "ProjectCreatedEvent", Payload: []byte(`{}`)},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := es.Append(ctx, "user", uuid.New(), 0, []events.Envelope{
		{Type: "UserCreated", Payload: []byte(`{}`)},
	}); err != nil {
		t.Fatalf("append user: %v", err)
	}

	page, err := es.ReadCategory(ctx, "project", 0, 2)
	if err != nil {
		t.Fatalf("read category: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("first page: got %d, want 2", len(page))
	}

	rest, err := es.ReadCategory(ctx, "project", page[1].GlobalPosition, 10)
	if err != nil {
		t.Fatalf("read category: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("second page: got %d, want 1", len(rest))
	}
	for _, env := range append(page, rest...) {
		if env.Category != "project" {
			t.Errorf("category filter leaked: %q", env.Category)
		}
	}
}
