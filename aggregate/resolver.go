package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nightjar-co/boardview"
)

// Resolver answers "what is the current state of aggregate X" for projection
// handlers. The answer reflects the committed event log at call time, which
// may be newer than the event being processed; handlers treat it as
// authoritative for referential facts. A missing aggregate surfaces as
// boardview.ErrReferenceNotFound so the dispatcher retries the envelope.
// Safe for concurrent use.
type Resolver struct {
	projects *ProjectService
	users    *UserService
}

// NewResolver creates a resolver that replays the given event log.
func NewResolver(log EventLog) *Resolver {
	return &Resolver{
		projects: NewProjectService(log),
		users:    NewUserService(log),
	}
}

// Project returns the current state of the project aggregate.
func (r *Resolver) Project(ctx context.Context, id uuid.UUID) (*ProjectState, error) {
	state, err := r.projects.State(ctx, id)
	if err != nil {
		if errors.Is(err, boardview.ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", id, boardview.ErrReferenceNotFound)
		}
		return nil, err
	}
	return state, nil
}

// User returns the current state of the user aggregate.
func (r *Resolver) User(ctx context.Context, id uuid.UUID) (*UserState, error) {
	state, err := r.users.State(ctx, id)
	if err != nil {
		if errors.Is(err, boardview.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, boardview.ErrReferenceNotFound)
		}
		return nil, err
	}
	return state, nil
}
