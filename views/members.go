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

// ProjectMembersCollection is the document collection behind ProjectMembersView.
const ProjectMembersCollection = "project_members"

// Member is a user denormalized into a project's member list.
type Member struct {
	UserID   uuid.UUID `json:"userId"`
	Name     string    `json:"name"`
	Nickname string    `json:"nickname"`
}

// ProjectMembers is the membership document, one per project.
type ProjectMembers struct {
	ProjectID uuid.UUID            `json:"projectId"`
	Title     string               `json:"title"`
	Members   map[uuid.UUID]Member `json:"members"`
}

// ProjectMembersView maintains project membership and answers who can still
// be invited.
type ProjectMembersView struct {
	col   *boardview.CollectionOf[ProjectMembers]
	res   StateResolver
	users *UserView
}

func NewProjectMembersView(b boardview.Backend, reg *projections.Registry, res StateResolver, users *UserView) (*ProjectMembersView, error) {
	v := &ProjectMembersView{
		col:   boardview.Collection[ProjectMembers](b, ProjectMembersCollection),
		res:   res,
		users: users,
	}
	sub := projections.NewSubscriber(aggregate.CategoryProject, "members::project-members")
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

func loadProjectMembers(ctx context.Context, docs projections.DocumentStore, projectID uuid.UUID) (*ProjectMembers, error) {
	doc, ok, err := projections.LoadDoc[ProjectMembers](ctx, docs, ProjectMembersCollection, projectID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		doc = &ProjectMembers{ProjectID: projectID}
	}
	if doc.Members == nil {
		doc.Members = make(map[uuid.UUID]Member)
	}
	return doc, nil
}

func saveProjectMembers(ctx context.Context, docs projections.DocumentStore, doc *ProjectMembers) error {
	return projections.SaveDoc(ctx, docs, ProjectMembersCollection, doc.ProjectID.String(), doc)
}

func (v *ProjectMembersView) onProjectCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.ProjectCreated](env)
	if err != nil {
		return err
	}
	creator, err := v.res.User(ctx, p.CreatorID)
	if err != nil {
		return err
	}
	doc, err := loadProjectMembers(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	doc.Title = p.Title
	doc.Members[p.CreatorID] = Member{UserID: p.CreatorID, Name: creator.Name, Nickname: creator.Nickname}
	return saveProjectMembers(ctx, docs, doc)
}

func (v *ProjectMembersView) onMemberAdded(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.MemberAdded](env)
	if err != nil {
		return err
	}
	user, err := v.res.User(ctx, p.UserID)
	if err != nil {
		return err
	}
	doc, err := loadProjectMembers(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	if doc.Title == "" {
		state, err := v.res.Project(ctx, p.ProjectID)
		if err != nil {
			return err
		}
		doc.Title = state.Title
	}
	doc.Members[p.UserID] = Member{UserID: p.UserID, Name: user.Name, Nickname: user.Nickname}
	return saveProjectMembers(ctx, docs, doc)
}

// GetByID returns the membership document, or nil when the project has not
// been projected yet.
func (v *ProjectMembersView) GetByID(ctx context.Context, projectID uuid.UUID) (*ProjectMembers, error) {
	doc, err := v.col.Load(ctx, projectID.String())
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

func (v *ProjectMembersView) GetAll(ctx context.Context) ([]*ProjectMembers, error) {
	return v.col.Query().OrderBy("title").Execute(ctx)
}

// UsersToAdd returns users matching fragment who are not yet members of the
// project. An empty fragment matches every non-member.
func (v *ProjectMembersView) UsersToAdd(ctx context.Context, projectID uuid.UUID, fragment string) ([]*User, error) {
	doc, err := v.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	candidates, err := v.users.Search(ctx, fragment)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return candidates, nil
	}
	out := candidates[:0]
	for _, u := range candidates {
		if _, member := doc.Members[u.UserID]; !member {
			out = append(out, u)
		}
	}
	return out, nil
}
