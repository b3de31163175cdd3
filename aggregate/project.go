package aggregate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/events"
)

// Project event types.
const (
	EventProjectCreated     = "ProjectCreated"
	EventTagCreated         = "TagCreated"
	EventTagDeleted         = "TagDeleted"
	EventTaskCreated        = "TaskCreated"
	EventTaskRenamed        = "TaskRenamed"
	EventTagAssignedToTask  = "TagAssignedToTask"
	EventUserAssignedToTask = "UserAssignedToTask"
	EventMemberAdded        = "MemberAdded"
)

// Every new project starts with this tag.
const (
	DefaultTagName  = "CREATED"
	DefaultTagColor = "blue"
)

// Project event payloads. All payloads carry the project id even when it
// duplicates the envelope's aggregate id, so handlers never need envelope
// metadata to address their documents.
type ProjectCreated struct {
	ProjectID uuid.UUID `json:"projectId"`
	Title     string    `json:"title"`
	CreatorID uuid.UUID `json:"creatorId"`
}

type TagCreated struct {
	ProjectID uuid.UUID `json:"projectId"`
	TagID     uuid.UUID `json:"tagId"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
}

type TagDeleted struct {
	ProjectID uuid.UUID `json:"projectId"`
	TagID     uuid.UUID `json:"tagId"`
}

type TaskCreated struct {
	ProjectID uuid.UUID `json:"projectId"`
	TaskID    uuid.UUID `json:"taskId"`
	Name      string    `json:"name"`
}

type TaskRenamed struct {
	ProjectID uuid.UUID `json:"projectId"`
	TaskID    uuid.UUID `json:"taskId"`
	Name      string    `json:"name"`
}

type TagAssignedToTask struct {
	ProjectID uuid.UUID `json:"projectId"`
	TagID     uuid.UUID `json:"tagId"`
	TaskID    uuid.UUID `json:"taskId"`
}

type UserAssignedToTask struct {
	ProjectID uuid.UUID `json:"projectId"`
	TaskID    uuid.UUID `json:"taskId"`
	UserID    uuid.UUID `json:"userId"`
}

type MemberAdded struct {
	ProjectID uuid.UUID `json:"projectId"`
	UserID    uuid.UUID `json:"userId"`
}

// ProjectTask is a task inside the replayed project state.
type ProjectTask struct {
	ID   uuid.UUID
	Name string
}

// ProjectTag is a tag inside the replayed project state.
type ProjectTag struct {
	ID    uuid.UUID
	Name  string
	Color string
}

// ProjectState is the authoritative project state, replayed from the event
// log. Projection handlers read it through the Resolver to denormalize task
// and tag facts.
type ProjectState struct {
	ID        uuid.UUID
	Title     string
	CreatorID uuid.UUID
	Tasks     map[uuid.UUID]ProjectTask
	Tags      map[uuid.UUID]ProjectTag
	Members   map[uuid.UUID]bool
}

func applyProject(s *ProjectState, env events.Envelope) error {
	switch env.Type {
	case EventProjectCreated:
		p, err := Decode[ProjectCreated](env)
		if err != nil {
			return err
		}
		s.ID = p.ProjectID
		s.Title = p.Title
		s.CreatorID = p.CreatorID
		s.Tasks = make(map[uuid.UUID]ProjectTask)
		s.Tags = make(map[uuid.UUID]ProjectTag)
		s.Members = map[uuid.UUID]bool{p.CreatorID: true}

	case EventTagCreated:
		p, err := Decode[TagCreated](env)
		if err != nil {
			return err
		}
		s.Tags[p.TagID] = ProjectTag{ID: p.TagID, Name: p.Name, Color: p.Color}

	case EventTagDeleted:
		p, err := Decode[TagDeleted](env)
		if err != nil {
			return err
		}
		delete(s.Tags, p.TagID)

	case EventTaskCreated:
		p, err := Decode[TaskCreated](env)
		if err != nil {
			return err
		}
		s.Tasks[p.TaskID] = ProjectTask{ID: p.TaskID, Name: p.Name}

	case EventTaskRenamed:
		p, err := Decode[TaskRenamed](env)
		if err != nil {
			return err
		}
		if t, ok := s.Tasks[p.TaskID]; ok {
			t.Name = p.Name
			s.Tasks[p.TaskID] = t
		}

	case EventMemberAdded:
		p, err := Decode[MemberAdded](env)
		if err != nil {
			return err
		}
		s.Members[p.UserID] = true

	case EventTagAssignedToTask, EventUserAssignedToTask:
		// assignment events don't change the aggregate's own state; they
		// exist for the read side
	}
	return nil
}

// ProjectService executes project commands.
type ProjectService struct {
	svc *Service[ProjectState]
}

// NewProjectService creates the project command service.
func NewProjectService(log EventLog) *ProjectService {
	return &ProjectService{svc: NewService(log, CategoryProject, applyProject)}
}

// State returns the replayed project state.
func (s *ProjectService) State(ctx context.Context, id uuid.UUID) (*ProjectState, error) {
	state, _, err := s.svc.State(ctx, id)
	return state, err
}

// Create starts a new project with the default tag and returns its id.
func (s *ProjectService) Create(ctx context.Context, title string, creatorID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()

	created, err := envelope(EventProjectCreated, ProjectCreated{ProjectID: id, Title: title, CreatorID: creatorID})
	if err != nil {
		return uuid.Nil, err
	}
	defaultTag, err := envelope(EventTagCreated, TagCreated{
		ProjectID: id, TagID: uuid.New(), Name: DefaultTagName, Color: DefaultTagColor,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.svc.Create(ctx, id, []events.Envelope{created, defaultTag}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AddTask creates a task and returns its id.
func (s *ProjectService) AddTask(ctx context.Context, projectID uuid.UUID, name string) (uuid.UUID, error) {
	taskID := uuid.New()
	err := s.svc.Update(ctx, projectID, func(*ProjectState) ([]events.Envelope, error) {
		env, err := envelope(EventTaskCreated, TaskCreated{ProjectID: projectID, TaskID: taskID, Name: name})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return taskID, nil
}

// RenameTask changes a task's name.
func (s *ProjectService) RenameTask(ctx context.Context, projectID, taskID uuid.UUID, name string) error {
	return s.svc.Update(ctx, projectID, func(state *ProjectState) ([]events.Envelope, error) {
		if _, ok := state.Tasks[taskID]; !ok {
			return nil, fmt.Errorf("project %s: task %s: %w", projectID, taskID, boardview.ErrNotFound)
		}
		env, err := envelope(EventTaskRenamed, TaskRenamed{ProjectID: projectID, TaskID: taskID, Name: name})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
}

// CreateTag adds a tag to the project and returns its id.
func (s *ProjectService) CreateTag(ctx context.Context, projectID uuid.UUID, name, color string) (uuid.UUID, error) {
	tagID := uuid.New()
	err := s.svc.Update(ctx, projectID, func(*ProjectState) ([]events.Envelope, error) {
		env, err := envelope(EventTagCreated, TagCreated{ProjectID: projectID, TagID: tagID, Name: name, Color: color})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return tagID, nil
}

// DeleteTag removes a tag from the project.
func (s *ProjectService) DeleteTag(ctx context.Context, projectID, tagID uuid.UUID) error {
	return s.svc.Update(ctx, projectID, func(state *ProjectState) ([]events.Envelope, error) {
		if _, ok := state.Tags[tagID]; !ok {
			return nil, fmt.Errorf("project %s: tag %s: %w", projectID, tagID, boardview.ErrNotFound)
		}
		env, err := envelope(EventTagDeleted, TagDeleted{ProjectID: projectID, TagID: tagID})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
}

// AssignTagToTask marks a task with one of the project's tags.
func (s *ProjectService) AssignTagToTask(ctx context.Context, projectID, tagID, taskID uuid.UUID) error {
	return s.svc.Update(ctx, projectID, func(state *ProjectState) ([]events.Envelope, error) {
		if _, ok := state.Tags[tagID]; !ok {
			return nil, fmt.Errorf("project %s: tag %s: %w", projectID, tagID, boardview.ErrNotFound)
		}
		if _, ok := state.Tasks[taskID]; !ok {
			return nil, fmt.Errorf("project %s: task %s: %w", projectID, taskID, boardview.ErrNotFound)
		}
		env, err := envelope(EventTagAssignedToTask, TagAssignedToTask{ProjectID: projectID, TagID: tagID, TaskID: taskID})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
}

// AssignUserToTask makes a user a performer of the task.
func (s *ProjectService) AssignUserToTask(ctx context.Context, projectID, taskID, userID uuid.UUID) error {
	return s.svc.Update(ctx, projectID, func(state *ProjectState) ([]events.Envelope, error) {
		if _, ok := state.Tasks[taskID]; !ok {
			return nil, fmt.Errorf("project %s: task %s: %w", projectID, taskID, boardview.ErrNotFound)
		}
		env, err := envelope(EventUserAssignedToTask, UserAssignedToTask{ProjectID: projectID, TaskID: taskID, UserID: userID})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
}

// AddMember adds a user to the project. Adding an existing member is a no-op.
func (s *ProjectService) AddMember(ctx context.Context, projectID, userID uuid.UUID) error {
	return s.svc.Update(ctx, projectID, func(state *ProjectState) ([]events.Envelope, error) {
		if state.Members[userID] {
			return nil, nil
		}
		env, err := envelope(EventMemberAdded, MemberAdded{ProjectID: projectID, UserID: userID})
		if err != nil {
			return nil, err
		}
		return []events.Envelope{env}, nil
	})
}
