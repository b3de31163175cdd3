package projections

import (
	"context"
	"errors"
	"testing"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
)

func nopHandler(ctx context.Context, env events.Envelope, docs DocumentStore) error {
	return nil
}

func TestSubscriber_OnRegistersHandler(t *testing.T) {
	s := NewSubscriber("project", "tags::project-tags")

	if err := s.On("TagCreatedEvent", nopHandler); err != nil {
		t.Fatalf("on: %v", err)
	}

	if s.Handler("TagCreatedEvent") == nil {
		t.Error("handler not registered")
	}
	if s.Name() != "tags::project-tags" {
		t.Errorf("name: got %q, want %q", s.Name(), "tags::project-tags")
	}
	if s.Category() != "project" {
		t.Errorf("category: got %q, want %q", s.Category(), "project")
	}
}

func TestSubscriber_OnRejectsDuplicateEventType(t *testing.T) {
	s := NewSubscriber("project", "tags::project-tags")
	if err := s.On("TagCreatedEvent", nopHandler); err != nil {
		t.Fatalf("on: %v", err)
	}

	err := s.On("TagCreatedEvent", nopHandler)
	if !errors.Is(err, boardview.ErrDuplicateHandler) {
		t.Fatalf("got %v, want ErrDuplicateHandler", err)
	}
}

func TestSubscriber_HandlerReturnsNilForUnregistered(t *testing.T) {
	s := NewSubscriber("project", "tags::project-tags")
	if s.Handler("UnknownEvent") != nil {
		t.Error("expected nil handler for unregistered event type")
	}
}

func TestSubscriber_EventTypesSorted(t *testing.T) {
	s := NewSubscriber("project", "test")
	for _, et := range []string{"C", "A", "B"} {
		if err := s.On(et, nopHandler); err != nil {
			t.Fatalf("on %s: %v", et, err)
		}
	}

	types := s.EventTypes()
	want := []string{"A", "B", "C"}
	if len(types) != len(want) {
		t.Fatalf("got %d types, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d]: got %q, want %q", i, types[i], want[i])
		}
	}
}

func TestRegistry_AddRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(NewSubscriber("project", "tags::project-tags")); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := r.Add(NewSubscriber("project", "tags::project-tags"))
	if !errors.Is(err, boardview.ErrDuplicateSubscriber) {
		t.Fatalf("got %v, want ErrDuplicateSubscriber", err)
	}
}

func TestRegistry_AllowsSameNameDifferentCategory(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(NewSubscriber("project", "audit")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(NewSubscriber("user", "audit")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := len(r.Subscribers()); got != 2 {
		t.Errorf("got %d subscribers, want 2", got)
	}
}
