package views

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/projections"
)

// UserProjectsCollection is the document collection behind UserProjectsView.
const UserProjectsCollection = "user_projects"

// ProjectRef is a project denormalized into a user's project list.
type ProjectRef struct {
	ProjectID uuid.UUID `json:"projectId"`
	Title     string    `json:"title"`
}

// UserProjects lists the projects a user belongs to, one document per user.
type UserProjects struct {
	UserID   uuid.UUID                `json:"userId"`
	Projects map[uuid.UUID]ProjectRef `json:"projects"`
}

// UserProjectsView answers "which projects is this user in".
type UserProjectsView struct {
	col *boardview.CollectionOf[UserProjects]
	res StateResolver
}

func NewUserProjectsView(b boardview.Backend, reg *projections.Registry, res StateResolver) (*UserProjectsView, error) {
	v := &UserProjectsView{
		col: boardview.Collection[UserProjects](b, UserProjectsCollection),
		res: res,
	}
	sub := projections.NewSubscriber(aggregate.CategoryProject, "user-projects::user-projects")
	if err := sub.On(aggregate.EventProjectCreated, v.onProjectCreated); err != nil {
		return nil, err
	}
	if err := sub.On(aggregate.EventMemberAdded, v.onMemberAdded); err != nil {
		return nil, err
	}
	if err := reg.Add(sub); err != nil {
		return nil, err
	}
	return v, nil
}

func loadUserProjects(ctx context.Context, docs projections.DocumentStore, userID uuid.UUID) (*UserProjects, error) {
	doc, ok, err := projections.LoadDoc[UserProjects](ctx, docs, UserProjectsCollection, userID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		doc = &UserProjects{UserID: userID}
	}
	if doc.Projects == nil {
		doc.Projects = make(map[uuid.UUID]ProjectRef)
	}
	return doc, nil
}

func saveUserProjects(ctx context.Context, docs projections.DocumentStore, doc *UserProjects) error {
	return projections.SaveDoc(ctx, docs, UserProjectsCollection, doc.UserID.String(), doc)
}

func (v *UserProjectsView) onProjectCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.ProjectCreated](env)
	if err != nil {
		return err
	}
	doc, err := loadUserProjects(ctx, docs, p.CreatorID)
	if err != nil {
		return err
	}
	doc.Projects[p.ProjectID] = ProjectRef{ProjectID: p.ProjectID, Title: p.Title}
	return saveUserProjects(ctx, docs, doc)
}

func (v *UserProjectsView) onMemberAdded(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.MemberAdded](env)
	if err != nil {
		return err
	}
	state, err := v.res.Project(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	doc, err := loadUserProjects(ctx, docs, p.UserID)
	if err != nil {
		return err
	}
	doc.Projects[p.ProjectID] = ProjectRef{ProjectID: p.ProjectID, Title: state.Title}
	return saveUserProjects(ctx, docs, doc)
}

// GetByID returns the user's project list, or nil when nothing has been
// projected for them yet.
func (v *UserProjectsView) GetByID(ctx context.Context, userID uuid.UUID) (*UserProjects, error) {
	doc, err := v.col.Load(ctx, userID.String())
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}
