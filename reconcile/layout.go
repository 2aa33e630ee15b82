package reconcile

import (
	"slices"

	"github.com/Hiviexd/kanban-board/domain"
)

// The helpers below mutate a snapshot the caller already cloned. Every
// sibling list they touch is renumbered 0..n-1.

func clamp(at, n int) int {
	if at < 0 {
		return 0
	}
	if at > n {
		return n
	}
	return at
}

func tasksOf(s *domain.Snapshot, columnID string) []domain.Task {
	return s.TasksIn(columnID)
}

func setTasks(s *domain.Snapshot, columnID string, tasks []domain.Task) {
	s.Tasks = slices.DeleteFunc(s.Tasks, func(t domain.Task) bool { return t.ColumnID == columnID })
	for i := range tasks {
		tasks[i].ColumnID = columnID
		tasks[i].Position = i
	}
	s.Tasks = append(s.Tasks, tasks...)
}

func findTask(s *domain.Snapshot, id string) (domain.Task, bool) {
	i := slices.IndexFunc(s.Tasks, func(t domain.Task) bool { return t.ID == id })
	if i < 0 {
		return domain.Task{}, false
	}
	return s.Tasks[i], true
}

func removeTask(s *domain.Snapshot, id string) bool {
	t, ok := findTask(s, id)
	if !ok {
		return false
	}
	rest := slices.DeleteFunc(tasksOf(s, t.ColumnID), func(x domain.Task) bool { return x.ID == id })
	setTasks(s, t.ColumnID, rest)
	return true
}

// putTask places t at index at of its ColumnID, replacing any task with the
// same id wherever it was.
func putTask(s *domain.Snapshot, t domain.Task, at int) {
	removeTask(s, t.ID)
	dst := tasksOf(s, t.ColumnID)
	dst = slices.Insert(dst, clamp(at, len(dst)), t)
	setTasks(s, t.ColumnID, dst)
}

func moveTask(s *domain.Snapshot, id, columnID string, at int) bool {
	t, ok := findTask(s, id)
	if !ok || !hasColumn(s, columnID) {
		return false
	}
	t.ColumnID = columnID
	putTask(s, t, at)
	return true
}

func hasColumn(s *domain.Snapshot, id string) bool {
	return slices.ContainsFunc(s.Columns, func(c domain.Column) bool { return c.ID == id })
}

func renumberColumns(s *domain.Snapshot) {
	for i := range s.Columns {
		s.Columns[i].Position = i
	}
}

func removeColumn(s *domain.Snapshot, id string) bool {
	i := slices.IndexFunc(s.Columns, func(c domain.Column) bool { return c.ID == id })
	if i < 0 {
		return false
	}
	s.Columns = slices.Delete(s.Columns, i, i+1)
	s.Tasks = slices.DeleteFunc(s.Tasks, func(t domain.Task) bool { return t.ColumnID == id })
	renumberColumns(s)
	return true
}

func putColumn(s *domain.Snapshot, c domain.Column, at int) {
	if i := slices.IndexFunc(s.Columns, func(x domain.Column) bool { return x.ID == c.ID }); i >= 0 {
		s.Columns = slices.Delete(s.Columns, i, i+1)
	}
	s.Columns = slices.Insert(s.Columns, clamp(at, len(s.Columns)), c)
	renumberColumns(s)
}

func moveColumn(s *domain.Snapshot, id string, at int) bool {
	i := slices.IndexFunc(s.Columns, func(c domain.Column) bool { return c.ID == id })
	if i < 0 {
		return false
	}
	putColumn(s, s.Columns[i], at)
	return true
}

func renameColumn(s *domain.Snapshot, id, title string) bool {
	i := slices.IndexFunc(s.Columns, func(c domain.Column) bool { return c.ID == id })
	if i < 0 {
		return false
	}
	s.Columns[i].Title = title
	return true
}

func renameTask(s *domain.Snapshot, id, title string) bool {
	i := slices.IndexFunc(s.Tasks, func(t domain.Task) bool { return t.ID == id })
	if i < 0 {
		return false
	}
	s.Tasks[i].Title = title
	return true
}
