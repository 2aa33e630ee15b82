package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Hiviexd/kanban-board/domain"
)

const (
	boardRow     = "board"
	columnPrefix = "column:"
	taskPrefix   = "task:"
)

func columnRow(id string) string { return columnPrefix + id }
func taskRow(id string) string   { return taskPrefix + id }

// partition is everything stored for one board.
type partition struct {
	board   domain.Board
	columns map[string]domain.Column
	tasks   map[string]domain.Task
	etags   map[string]string
}

func newPartition(b domain.Board) *partition {
	return &partition{
		board:   b.Clone(),
		columns: map[string]domain.Column{},
		tasks:   map[string]domain.Task{},
		etags:   map[string]string{},
	}
}

func (p *partition) clone() *partition {
	out := &partition{
		board:   p.board.Clone(),
		columns: make(map[string]domain.Column, len(p.columns)),
		tasks:   make(map[string]domain.Task, len(p.tasks)),
		etags:   make(map[string]string, len(p.etags)),
	}
	for k, v := range p.columns {
		out.columns[k] = v
	}
	for k, v := range p.tasks {
		out.tasks[k] = v.Clone()
	}
	for k, v := range p.etags {
		out.etags[k] = v
	}
	return out
}

func (p *partition) sortedColumns() []domain.Column {
	out := make([]domain.Column, 0, len(p.columns))
	for _, c := range p.columns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (p *partition) sortedTasks(columnID string) []domain.Task {
	out := []domain.Task{}
	for _, t := range p.tasks {
		if t.ColumnID == columnID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (p *partition) snapshot() domain.Snapshot {
	s := domain.Snapshot{Board: p.board.Clone(), Columns: p.sortedColumns(), Tasks: make([]domain.Task, 0, len(p.tasks))}
	for _, t := range p.tasks {
		s.Tasks = append(s.Tasks, t.Clone())
	}
	s.Sort()
	return s
}

func (p *partition) getColumn(id string) (domain.Column, error) {
	c, ok := p.columns[id]
	if !ok {
		return domain.Column{}, fmt.Errorf("%w: column %s", domain.ErrNotFound, id)
	}
	return c, nil
}

func (p *partition) getTask(id string) (domain.Task, error) {
	t, ok := p.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// stagedTx works on a private copy of a partition and remembers which rows
// it touched so the owner can commit them in one step.
type stagedTx struct {
	p       *partition
	changed map[string]struct{}
	deleted map[string]struct{}
	shifts  int
}

func stage(p *partition) *stagedTx {
	return &stagedTx{p: p.clone(), changed: map[string]struct{}{}, deleted: map[string]struct{}{}}
}

func (tx *stagedTx) touch(row string) {
	delete(tx.deleted, row)
	tx.changed[row] = struct{}{}
}

func (tx *stagedTx) drop(row string) {
	delete(tx.changed, row)
	tx.deleted[row] = struct{}{}
}

func (tx *stagedTx) empty() bool {
	return len(tx.changed) == 0 && len(tx.deleted) == 0
}

func (tx *stagedTx) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	if boardID != tx.p.board.ID {
		return domain.Board{}, fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)
	}
	return tx.p.board.Clone(), nil
}

func (tx *stagedTx) GetColumn(_ context.Context, columnID string) (domain.Column, error) {
	return tx.p.getColumn(columnID)
}

func (tx *stagedTx) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	return tx.p.getTask(taskID)
}

func (tx *stagedTx) ColumnsByBoard(_ context.Context, boardID string) ([]domain.Column, error) {
	if boardID != tx.p.board.ID {
		return nil, fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)
	}
	return tx.p.sortedColumns(), nil
}

func (tx *stagedTx) TasksByColumn(_ context.Context, columnID string) ([]domain.Task, error) {
	if _, err := tx.p.getColumn(columnID); err != nil {
		return nil, err
	}
	return tx.p.sortedTasks(columnID), nil
}

func (tx *stagedTx) checkParent(kind domain.ItemKind, parentID string) error {
	switch kind {
	case domain.ItemColumn:
		if parentID != tx.p.board.ID {
			return fmt.Errorf("%w: board %s", domain.ErrNotFound, parentID)
		}
	case domain.ItemTask:
		if _, err := tx.p.getColumn(parentID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown item kind %q", domain.ErrInvalidOperation, kind)
	}
	return nil
}

func (tx *stagedTx) Count(_ context.Context, kind domain.ItemKind, parentID string) (int, error) {
	if err := tx.checkParent(kind, parentID); err != nil {
		return 0, err
	}
	if kind == domain.ItemColumn {
		return len(tx.p.columns), nil
	}
	n := 0
	for _, t := range tx.p.tasks {
		if t.ColumnID == parentID {
			n++
		}
	}
	return n, nil
}

func (tx *stagedTx) Shift(_ context.Context, kind domain.ItemKind, parentID string, w domain.Window, delta int) (int, error) {
	if err := tx.checkParent(kind, parentID); err != nil {
		return 0, err
	}
	tx.shifts++
	n := 0
	if kind == domain.ItemColumn {
		for id, c := range tx.p.columns {
			if w.Contains(id, c.Position) {
				c.Position += delta
				tx.p.columns[id] = c
				tx.touch(columnRow(id))
				n++
			}
		}
		return n, nil
	}
	for id, t := range tx.p.tasks {
		if t.ColumnID == parentID && w.Contains(id, t.Position) {
			t.Position += delta
			tx.p.tasks[id] = t
			tx.touch(taskRow(id))
			n++
		}
	}
	return n, nil
}

func (tx *stagedTx) Place(_ context.Context, kind domain.ItemKind, id, parentID string, position int) error {
	if err := tx.checkParent(kind, parentID); err != nil {
		return err
	}
	if kind == domain.ItemColumn {
		c, err := tx.p.getColumn(id)
		if err != nil {
			return err
		}
		c.Position = position
		tx.p.columns[id] = c
		tx.touch(columnRow(id))
		return nil
	}
	t, err := tx.p.getTask(id)
	if err != nil {
		return err
	}
	t.ColumnID, t.Position = parentID, position
	tx.p.tasks[id] = t
	tx.touch(taskRow(id))
	return nil
}

func (tx *stagedTx) PutBoard(_ context.Context, b domain.Board) error {
	if b.ID != tx.p.board.ID {
		return fmt.Errorf("%w: board %s is outside this transaction", domain.ErrInvalidOperation, b.ID)
	}
	tx.p.board = b.Clone()
	tx.touch(boardRow)
	return nil
}

func (tx *stagedTx) PutColumn(_ context.Context, c domain.Column) error {
	if c.BoardID != tx.p.board.ID {
		return fmt.Errorf("%w: column %s is outside this transaction", domain.ErrInvalidOperation, c.ID)
	}
	tx.p.columns[c.ID] = c
	tx.touch(columnRow(c.ID))
	return nil
}

func (tx *stagedTx) PutTask(_ context.Context, t domain.Task) error {
	if t.BoardID != tx.p.board.ID {
		return fmt.Errorf("%w: task %s is outside this transaction", domain.ErrInvalidOperation, t.ID)
	}
	if _, err := tx.p.getColumn(t.ColumnID); err != nil {
		return err
	}
	tx.p.tasks[t.ID] = t.Clone()
	tx.touch(taskRow(t.ID))
	return nil
}

func (tx *stagedTx) DeleteColumn(_ context.Context, columnID string) error {
	if _, err := tx.p.getColumn(columnID); err != nil {
		return err
	}
	for _, t := range tx.p.tasks {
		if t.ColumnID == columnID {
			return fmt.Errorf("%w: column %s still has tasks", domain.ErrInvalidOperation, columnID)
		}
	}
	delete(tx.p.columns, columnID)
	tx.drop(columnRow(columnID))
	return nil
}

func (tx *stagedTx) DeleteTask(_ context.Context, taskID string) error {
	if _, err := tx.p.getTask(taskID); err != nil {
		return err
	}
	delete(tx.p.tasks, taskID)
	tx.drop(taskRow(taskID))
	return nil
}

// rowID splits a row key into its item kind and id.
func rowID(row string) (domain.ItemKind, string, bool) {
	switch {
	case strings.HasPrefix(row, columnPrefix):
		return domain.ItemColumn, strings.TrimPrefix(row, columnPrefix), true
	case strings.HasPrefix(row, taskPrefix):
		return domain.ItemTask, strings.TrimPrefix(row, taskPrefix), true
	}
	return "", "", false
}
