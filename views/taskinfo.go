package views

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nightjar-co/boardview"
	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/projections"
)

// TaskInfoCollection is the document collection behind TaskInfoView.
const TaskInfoCollection = "task_info"

// TagInfo is a tag denormalized onto a task.
type TagInfo struct {
	TagID uuid.UUID `json:"tagId"`
	Name  string    `json:"name"`
	Color string    `json:"color"`
}

// TaskPerformer is a user denormalized onto a task they are assigned to.
type TaskPerformer struct {
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
}

// TaskInfo is the per-task cache document keyed by task id.
type TaskInfo struct {
	TaskID     uuid.UUID                   `json:"taskId"`
	ProjectID  uuid.UUID                   `json:"projectId"`
	Name       string                      `json:"name"`
	Tags       map[uuid.UUID]TagInfo       `json:"tags"`
	Performers map[uuid.UUID]TaskPerformer `json:"performers"`
}

// TaskInfoView caches per-task details: current name, assigned tags and
// assigned users.
type TaskInfoView struct {
	col *boardview.CollectionOf[TaskInfo]
	res StateResolver
}

func NewTaskInfoView(b boardview.Backend, reg *projections.Registry, res StateResolver) (*TaskInfoView, error) {
	v := &TaskInfoView{
		col: boardview.Collection[TaskInfo](b, TaskInfoCollection),
		res: res,
	}
	sub := projections.NewSubscriber(aggregate.CategoryProject, "task-info::task-info-cache")
	handlers := map[string]projections.HandlerFunc{
		aggregate.EventTaskCreated:        v.onTaskCreated,
		aggregate.EventTaskRenamed:        v.onTaskRenamed,
		aggregate.EventTagAssignedToTask:  v.onTagAssigned,
		aggregate.EventUserAssignedToTask: v.onUserAssigned,
	}
	for eventType, h := range handlers {
		if err := sub.On(eventType, h); err != nil {
			return nil, err
		}
	}
	if err := reg.Add(sub); err != nil {
		return nil, err
	}
	return v, nil
}

func loadTaskInfo(ctx context.Context, docs projections.DocumentStore, taskID, projectID uuid.UUID) (*TaskInfo, error) {
	doc, ok, err := projections.LoadDoc[TaskInfo](ctx, docs, TaskInfoCollection, taskID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		doc = &TaskInfo{TaskID: taskID, ProjectID: projectID}
	}
	if doc.Tags == nil {
		doc.Tags = make(map[uuid.UUID]TagInfo)
	}
	if doc.Performers == nil {
		doc.Performers = make(map[uuid.UUID]TaskPerformer)
	}
	return doc, nil
}

func saveTaskInfo(ctx context.Context, docs projections.DocumentStore, doc *TaskInfo) error {
	return projections.SaveDoc(ctx, docs, TaskInfoCollection, doc.TaskID.String(), doc)
}

func (v *TaskInfoView) onTaskCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TaskCreated](env)
	if err != nil {
		return err
	}
	doc, err := loadTaskInfo(ctx, docs, p.TaskID, p.ProjectID)
	if err != nil {
		return err
	}
	// A rename projected before the create already holds the newer name.
	if doc.Name == "" {
		doc.Name = p.Name
	}
	return saveTaskInfo(ctx, docs, doc)
}

func (v *TaskInfoView) onTaskRenamed(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TaskRenamed](env)
	if err != nil {
		return err
	}
	doc, err := loadTaskInfo(ctx, docs, p.TaskID, p.ProjectID)
	if err != nil {
		return err
	}
	doc.Name = p.Name
	return saveTaskInfo(ctx, docs, doc)
}

func (v *TaskInfoView) onTagAssigned(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TagAssignedToTask](env)
	if err != nil {
		return err
	}
	state, err := v.res.Project(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	tag, ok := state.Tags[p.TagID]
	if !ok {
		return fmt.Errorf("views: project %s has no tag %s: %w", p.ProjectID, p.TagID, boardview.ErrReferenceNotFound)
	}
	task, ok := state.Tasks[p.TaskID]
	if !ok {
		return fmt.Errorf("views: project %s has no task %s: %w", p.ProjectID, p.TaskID, boardview.ErrReferenceNotFound)
	}
	doc, err := loadTaskInfo(ctx, docs, p.TaskID, p.ProjectID)
	if err != nil {
		return err
	}
	if doc.Name == "" {
		doc.Name = task.Name
	}
	doc.Tags[p.TagID] = TagInfo{TagID: p.TagID, Name: tag.Name, Color: tag.Color}
	return saveTaskInfo(ctx, docs, doc)
}

func (v *TaskInfoView) onUserAssigned(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.UserAssignedToTask](env)
	if err != nil {
		return err
	}
	user, err := v.res.User(ctx, p.UserID)
	if err != nil {
		return err
	}
	doc, err := loadTaskInfo(ctx, docs, p.TaskID, p.ProjectID)
	if err != nil {
		return err
	}
	doc.Performers[p.UserID] = TaskPerformer{UserID: p.UserID, Name: user.Name}
	return saveTaskInfo(ctx, docs, doc)
}

// GetByID returns the cached task details, or nil when the task has not been
// projected yet.
func (v *TaskInfoView) GetByID(ctx context.Context, taskID uuid.UUID) (*TaskInfo, error) {
	doc, err := v.col.Load(ctx, taskID.String())
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}
