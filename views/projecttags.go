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

// ProjectTagsCollection is the document collection behind ProjectTagsView.
const ProjectTagsCollection = "project_tags"

// TagTask is a task entry denormalized under a tag.
type TagTask struct {
	TaskID uuid.UUID `json:"taskId"`
	Name   string    `json:"name"`
}

// Tag groups the tasks it has been assigned to.
type Tag struct {
	TagID uuid.UUID             `json:"tagId"`
	Name  string                `json:"name"`
	Color string                `json:"color"`
	Tasks map[uuid.UUID]TagTask `json:"tasks"`
}

// ProjectTags is the per-project tag index, one document per project.
type ProjectTags struct {
	ProjectID uuid.UUID         `json:"projectId"`
	Tags      map[uuid.UUID]Tag `json:"tags"`
}

// ProjectTagsView maintains the tag-to-tasks index of every project.
type ProjectTagsView struct {
	col *boardview.CollectionOf[ProjectTags]
	res StateResolver
}

func NewProjectTagsView(b boardview.Backend, reg *projections.Registry, res StateResolver) (*ProjectTagsView, error) {
	v := &ProjectTagsView{
		col: boardview.Collection[ProjectTags](b, ProjectTagsCollection),
		res: res,
	}
	sub := projections.NewSubscriber(aggregate.CategoryProject, "tags::project-tags")
	handlers := map[string]projections.HandlerFunc{
		aggregate.EventProjectCreated:    v.onProjectCreated,
		aggregate.EventTagCreated:        v.onTagCreated,
		aggregate.EventTagDeleted:        v.onTagDeleted,
		aggregate.EventTagAssignedToTask: v.onTagAssigned,
		aggregate.EventTaskRenamed:       v.onTaskRenamed,
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

// load returns the document for projectID, creating an empty one in memory
// when it does not exist yet. Handlers may run in any cross-aggregate order,
// so every mutation path must tolerate a missing document.
func loadProjectTags(ctx context.Context, docs projections.DocumentStore, projectID uuid.UUID) (*ProjectTags, error) {
	doc, ok, err := projections.LoadDoc[ProjectTags](ctx, docs, ProjectTagsCollection, projectID.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		doc = &ProjectTags{ProjectID: projectID}
	}
	if doc.Tags == nil {
		doc.Tags = make(map[uuid.UUID]Tag)
	}
	return doc, nil
}

func saveProjectTags(ctx context.Context, docs projections.DocumentStore, doc *ProjectTags) error {
	return projections.SaveDoc(ctx, docs, ProjectTagsCollection, doc.ProjectID.String(), doc)
}

func (v *ProjectTagsView) onProjectCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.ProjectCreated](env)
	if err != nil {
		return err
	}
	doc, err := loadProjectTags(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	return saveProjectTags(ctx, docs, doc)
}

func (v *ProjectTagsView) onTagCreated(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TagCreated](env)
	if err != nil {
		return err
	}
	doc, err := loadProjectTags(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	tag := doc.Tags[p.TagID]
	tag.TagID = p.TagID
	tag.Name = p.Name
	tag.Color = p.Color
	if tag.Tasks == nil {
		tag.Tasks = make(map[uuid.UUID]TagTask)
	}
	doc.Tags[p.TagID] = tag
	return saveProjectTags(ctx, docs, doc)
}

func (v *ProjectTagsView) onTagDeleted(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TagDeleted](env)
	if err != nil {
		return err
	}
	doc, ok, err := projections.LoadDoc[ProjectTags](ctx, docs, ProjectTagsCollection, p.ProjectID.String())
	if err != nil || !ok {
		return err
	}
	delete(doc.Tags, p.TagID)
	return saveProjectTags(ctx, docs, doc)
}

func (v *ProjectTagsView) onTagAssigned(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TagAssignedToTask](env)
	if err != nil {
		return err
	}
	state, err := v.res.Project(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	task, ok := state.Tasks[p.TaskID]
	if !ok {
		return fmt.Errorf("views: project %s has no task %s: %w", p.ProjectID, p.TaskID, boardview.ErrReferenceNotFound)
	}
	stateTag, ok := state.Tags[p.TagID]
	if !ok {
		return fmt.Errorf("views: project %s has no tag %s: %w", p.ProjectID, p.TagID, boardview.ErrReferenceNotFound)
	}
	doc, err := loadProjectTags(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	tag := doc.Tags[p.TagID]
	tag.TagID = p.TagID
	tag.Name = stateTag.Name
	tag.Color = stateTag.Color
	if tag.Tasks == nil {
		tag.Tasks = make(map[uuid.UUID]TagTask)
	}
	tag.Tasks[p.TaskID] = TagTask{TaskID: p.TaskID, Name: task.Name}
	doc.Tags[p.TagID] = tag
	return saveProjectTags(ctx, docs, doc)
}

func (v *ProjectTagsView) onTaskRenamed(ctx context.Context, env events.Envelope, docs projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TaskRenamed](env)
	if err != nil {
		return err
	}
	doc, err := loadProjectTags(ctx, docs, p.ProjectID)
	if err != nil {
		return err
	}
	for tagID, tag := range doc.Tags {
		entry, ok := tag.Tasks[p.TaskID]
		if !ok {
			continue
		}
		entry.Name = p.Name
		tag.Tasks[p.TaskID] = entry
		doc.Tags[tagID] = tag
	}
	return saveProjectTags(ctx, docs, doc)
}

// GetByID returns the tag index of a project, or nil when no events for the
// project have been projected yet.
func (v *ProjectTagsView) GetByID(ctx context.Context, projectID uuid.UUID) (*ProjectTags, error) {
	doc, err := v.col.Load(ctx, projectID.String())
	if errors.Is(err, boardview.ErrNotFound) {
		return nil, nil
	}
	return doc, err
}
