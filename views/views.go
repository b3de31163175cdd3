// Package views holds the read models the projection engine maintains.
//
// Each view owns one subscriber: it declares the event types it reacts to,
// mutates its documents through the DocumentStore handed to every handler,
// and exposes query methods over the persisted documents. Views that need
// state from another aggregate resolve it through a StateResolver; a
// resolution miss surfaces boardview.ErrReferenceNotFound, which the worker
// treats as transient and retries.
package views

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/projections"
)

// ErrInvalidCredentials is returned by UserView.Login when the nickname is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("views: invalid credentials")

// StateResolver gives view handlers read access to replayed aggregate state.
// *aggregate.Resolver satisfies it.
type StateResolver interface {
	Project(ctx context.Context, id uuid.UUID) (*aggregate.ProjectState, error)
	User(ctx context.Context, id uuid.UUID) (*aggregate.UserState, error)
}

// Views bundles every read model wired against a single registry.
type Views struct {
	Users        *UserView
	ProjectTags  *ProjectTagsView
	TaskInfo     *TaskInfoView
	Tasks        *TasksView
	Members      *ProjectMembersView
	UserProjects *UserProjectsView
}

// Register constructs all views and adds their subscribers to reg.
// The bun handle backs the relational tasks view; everything else lives in
// document collections on b.
func Register(b boardview.Backend, db *bun.DB, reg *projections.Registry, res StateResolver) (*Views, error) {
	users, err := NewUserView(b, reg, res)
	if err != nil {
		return nil, err
	}
	tags, err := NewProjectTagsView(b, reg, res)
	if err != nil {
		return nil, err
	}
	info, err := NewTaskInfoView(b, reg, res)
	if err != nil {
		return nil, err
	}
	tasks, err := NewTasksView(db, reg)
	if err != nil {
		return nil, err
	}
	members, err := NewProjectMembersView(b, reg, res, users)
	if err != nil {
		return nil, err
	}
	userProjects, err := NewUserProjectsView(b, reg, res)
	if err != nil {
		return nil, err
	}
	return &Views{
		Users:        users,
		ProjectTags:  tags,
		TaskInfo:     info,
		Tasks:        tasks,
		Members:      members,
		UserProjects: userProjects,
	}, nil
}
