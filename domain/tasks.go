package domain

import (
	"context"
	"slices"
	"time"
)

type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  string     `json:"assigneeId"`
	StartDate   *time.Time `json:"startDate"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      []string   `json:"labels"`
	Position    *int       `json:"position,omitempty"`
}

// TaskPatch carries only the fields being changed. An empty AssigneeID
// unassigns; the Clear flags remove a date.
type TaskPatch struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	AssigneeID     *string    `json:"assigneeId,omitempty"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	ClearStartDate bool       `json:"clearStartDate,omitempty"`
	ClearDueDate   bool       `json:"clearDueDate,omitempty"`
	Labels         *[]string  `json:"labels,omitempty"`
	IsComplete     *bool      `json:"isComplete,omitempty"`
	Position       *int       `json:"position,omitempty"`
}

func (p TaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.AssigneeID == nil &&
		p.StartDate == nil && p.DueDate == nil && !p.ClearStartDate && !p.ClearDueDate &&
		p.Labels == nil && p.IsComplete == nil && p.Position == nil
}

// TaskView is a task as returned to clients, with its derived fields.
type TaskView struct {
	Task
	Priority  Priority `json:"priority"`
	IsOverdue bool     `json:"isOverdue"`
}

func ViewOf(t Task, now time.Time) TaskView {
	return TaskView{Task: t, Priority: t.Priority(now), IsOverdue: t.IsOverdue(now)}
}

func (s *Service) View(t Task) TaskView {
	return ViewOf(t, s.now())
}

func (s *Service) GetTask(ctx context.Context, actor Principal, taskID string) (Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, t.BoardID, OpView); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Service) ListTasks(ctx context.Context, actor Principal, columnID string) ([]Task, error) {
	col, err := s.GetColumn(ctx, actor, columnID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.TasksByColumn(ctx, col.ID)
	return tasks, storageFailure(err)
}

// CreateTask appends a task to the column, or inserts it at Position.
func (s *Service) CreateTask(ctx context.Context, actor Principal, columnID string, in TaskInput) (Task, error) {
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return Task{}, storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, col.BoardID, OpEdit); err != nil {
		return Task{}, err
	}
	title, err := cleanTitle("title", in.Title, MaxTaskTitle)
	if err != nil {
		return Task{}, err
	}
	desc, err := cleanText("description", in.Description, MaxTaskDescription)
	if err != nil {
		return Task{}, err
	}
	if err := checkDates(in.StartDate, in.DueDate); err != nil {
		return Task{}, err
	}
	if in.Position != nil && *in.Position < 0 {
		return Task{}, invalid("position %d is negative", *in.Position)
	}
	now := s.stamp()
	task := Task{
		ID:          s.newID(),
		BoardID:     col.BoardID,
		ColumnID:    columnID,
		Title:       title,
		Description: desc,
		AssigneeID:  in.AssigneeID,
		StartDate:   in.StartDate,
		DueDate:     in.DueDate,
		Labels:      slices.Clone(in.Labels),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Labels == nil {
		task.Labels = []string{}
	}
	err = s.apply(ctx, col.BoardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, col.BoardID)
		if err != nil {
			return err
		}
		if err := checkTaskLabels(b, task.Labels); err != nil {
			return err
		}
		if err := checkAssignee(b, task.AssigneeID); err != nil {
			return err
		}
		if _, err := tx.GetColumn(ctx, columnID); err != nil {
			return err
		}
		pos := PositionsOf(tx, ItemTask)
		next, err := pos.AppendPosition(ctx, columnID)
		if err != nil {
			return err
		}
		task.Position = next
		if in.Position != nil && *in.Position < next {
			task.Position = *in.Position
			if err := pos.InsertAt(ctx, columnID, task.Position); err != nil {
				return err
			}
		}
		return tx.PutTask(ctx, task)
	})
	if err != nil {
		return Task{}, err
	}
	ev, err := NewEvent(TaskCreated, task.BoardID, task.ID, actor.UserID, now, TaskCreatedPayload{
		BoardID: task.BoardID, ColumnID: columnID, Task: task, CreatedBy: actor.UserID,
	})
	s.emit(ctx, ev, err)
	return task, nil
}

// UpdateTask applies patch to the task. A position in the patch reorders the
// task inside its current column.
func (s *Service) UpdateTask(ctx context.Context, actor Principal, taskID string, patch TaskPatch) (Task, error) {
	if patch.empty() {
		return Task{}, invalid("nothing to update")
	}
	cur, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, cur.BoardID, OpEdit); err != nil {
		return Task{}, err
	}
	if patch.Title != nil {
		v, err := cleanTitle("title", *patch.Title, MaxTaskTitle)
		if err != nil {
			return Task{}, err
		}
		patch.Title = &v
	}
	if patch.Description != nil {
		v, err := cleanText("description", *patch.Description, MaxTaskDescription)
		if err != nil {
			return Task{}, err
		}
		patch.Description = &v
	}
	if patch.Position != nil && *patch.Position < 0 {
		return Task{}, invalid("position %d is negative", *patch.Position)
	}

	var out Task
	var old int
	err = s.apply(ctx, cur.BoardID, func(ctx context.Context, tx Tx) error {
		b, err := tx.GetBoard(ctx, cur.BoardID)
		if err != nil {
			return err
		}
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		old = t.Position
		if err := patch.applyTo(&t, b); err != nil {
			return err
		}
		t.UpdatedAt = s.stamp()
		if err := tx.PutTask(ctx, t); err != nil {
			return err
		}
		if patch.Position != nil {
			n, err := tx.Count(ctx, ItemTask, t.ColumnID)
			if err != nil {
				return err
			}
			target := clampAppend(*patch.Position, n-1)
			patch.Position = &target
			if _, err := PositionsOf(tx, ItemTask).Reorder(ctx, t.ColumnID, t.ID, old, target); err != nil {
				return err
			}
		}
		out, err = tx.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	ev, err := NewEvent(TaskUpdated, out.BoardID, out.ID, actor.UserID, out.UpdatedAt, TaskUpdatedPayload{
		BoardID: out.BoardID, ColumnID: out.ColumnID, TaskID: out.ID, Changes: patch, Task: out,
		OldPosition: old, UpdatedBy: actor.UserID,
	})
	s.emit(ctx, ev.withMove(out.ColumnID, out.ColumnID, old, out.Position), err)
	return out, nil
}

func (p TaskPatch) applyTo(t *Task, b Board) error {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.AssigneeID != nil {
		if err := checkAssignee(b, *p.AssigneeID); err != nil {
			return err
		}
		t.AssigneeID = *p.AssigneeID
	}
	if p.ClearStartDate {
		t.StartDate = nil
	} else if p.StartDate != nil {
		d := *p.StartDate
		t.StartDate = &d
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if err := checkDates(t.StartDate, t.DueDate); err != nil {
		return err
	}
	if p.Labels != nil {
		if err := checkTaskLabels(b, *p.Labels); err != nil {
			return err
		}
		t.Labels = slices.Clone(*p.Labels)
	}
	if p.IsComplete != nil {
		t.IsComplete = *p.IsComplete
	}
	return nil
}

// DeleteTask removes a task and compacts its column.
func (s *Service) DeleteTask(ctx context.Context, actor Principal, taskID string) error {
	cur, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, cur.BoardID, OpEdit); err != nil {
		return err
	}
	var removed Task
	err = s.apply(ctx, cur.BoardID, func(ctx context.Context, tx Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := tx.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		removed = t
		return PositionsOf(tx, ItemTask).RemoveAndCompact(ctx, t.ColumnID, t.Position)
	})
	if err != nil {
		return err
	}
	ev, err := NewEvent(TaskDeleted, removed.BoardID, taskID, actor.UserID, s.stamp(), TaskDeletedPayload{
		BoardID: removed.BoardID, ColumnID: removed.ColumnID, TaskID: taskID, Position: removed.Position, DeletedBy: actor.UserID,
	})
	s.emit(ctx, ev, err)
	return nil
}
