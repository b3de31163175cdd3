package views

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/nightjar-co/boardview/aggregate"
	"github.com/nightjar-co/boardview/events"
	"github.com/nightjar-co/boardview/projections"
)

// Task is a row in the relational tasks view, one per task across all
// projects, queryable by project.
type Task struct {
	bun.BaseModel `bun:"table:boardview_tasks,alias:t"`

	ID        uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	ProjectID uuid.UUID `bun:"project_id,type:uuid,notnull" json:"projectId"`
	Name      string    `bun:"name,notnull" json:"name"`
}

// TasksView keeps a flat relational task list. Unlike the document views it
// writes through its own bun handle, outside the worker transaction; both
// handlers are idempotent upserts so redelivery is harmless.
type TasksView struct {
	db *bun.DB

	ensureOnce sync.Once
	ensureErr  error
}

func NewTasksView(db *bun.DB, reg *projections.Registry) (*TasksView, error) {
	v := &TasksView{db: db}
	sub := projections.NewSubscriber(aggregate.CategoryProject, "tasks::project-tasks")
	if err := sub.On(aggregate.EventTaskCreated, v.onTaskCreated); err != nil {
		return nil, err
	}
	if err := sub.On(aggregate.EventTaskRenamed, v.onTaskRenamed); err != nil {
		return nil, err
	}
	if err := reg.Add(sub); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *TasksView) ensure(ctx context.Context) error {
	v.ensureOnce.Do(func() {
		if _, err := v.db.NewCreateTable().Model((*Task)(nil)).IfNotExists().Exec(ctx); err != nil {
			v.ensureErr = fmt.Errorf("views: create tasks table: %w", err)
			return
		}
		_, err := v.db.NewCreateIndex().
			Model((*Task)(nil)).
			Index("boardview_tasks_project_id_idx").
			Column("project_id").
			IfNotExists().
			Exec(ctx)
		if err != nil {
			v.ensureErr = fmt.Errorf("views: create tasks index: %w", err)
		}
	})
	return v.ensureErr
}

func (v *TasksView) onTaskCreated(ctx context.Context, env events.Envelope, _ projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TaskCreated](env)
	if err != nil {
		return err
	}
	if err := v.ensure(ctx); err != nil {
		return err
	}
	row := Task{ID: p.TaskID, ProjectID: p.ProjectID, Name: p.Name}
	// A rename may have landed first; never clobber an existing row.
	_, err = v.db.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("views: insert task %s: %w", p.TaskID, err)
	}
	return nil
}

func (v *TasksView) onTaskRenamed(ctx context.Context, env events.Envelope, _ projections.DocumentStore) error {
	p, err := aggregate.Decode[aggregate.TaskRenamed](env)
	if err != nil {
		return err
	}
	if err := v.ensure(ctx); err != nil {
		return err
	}
	row := Task{ID: p.TaskID, ProjectID: p.ProjectID, Name: p.Name}
	_, err = v.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("views: rename task %s: %w", p.TaskID, err)
	}
	return nil
}

// ByProject returns the tasks of a project ordered by name.
func (v *TasksView) ByProject(ctx context.Context, projectID uuid.UUID) ([]Task, error) {
	if err := v.ensure(ctx); err != nil {
		return nil, err
	}
	var tasks []Task
	err := v.db.NewSelect().
		Model(&tasks).
		Where("project_id = ?", projectID).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("views: tasks of project %s: %w", projectID, err)
	}
	return tasks, nil
}
