package reconcile

import (
	"github.com/Hiviexd/kanban-board/domain"
)

type RenderedTask struct {
	domain.Task
	Pending bool `json:"pending"`
}

type RenderedColumn struct {
	domain.Column
	Pending bool           `json:"pending"`
	Tasks   []RenderedTask `json:"tasks"`
}

// Rendered is what a client shows: confirmed state with pending operations
// replayed on top, each touched item flagged.
type Rendered struct {
	Board   domain.Board     `json:"board"`
	Columns []RenderedColumn `json:"columns"`
	Viewers []domain.Viewer  `json:"viewers"`
	Deleted bool             `json:"deleted"`
}

// View replays pending operations over the confirmed snapshot. Operations
// whose subject has disappeared are skipped.
func (s State) View() domain.Snapshot {
	snap, _ := s.replay()
	return snap
}

func (s State) replay() (domain.Snapshot, map[string]bool) {
	snap := s.Confirmed.Clone()
	touched := make(map[string]bool, len(s.Pending))
	for _, op := range s.Pending {
		if replayOp(&snap, op) {
			touched[op.ItemID] = true
		}
	}
	snap.Sort()
	return snap, touched
}

func replayOp(snap *domain.Snapshot, op Op) bool {
	switch op.Kind {
	case OpMoveTask:
		return moveTask(snap, op.ItemID, op.ParentID, op.Position)
	case OpMoveColumn:
		return moveColumn(snap, op.ItemID, op.Position)
	case OpCreateTask:
		if !hasColumn(snap, op.ParentID) {
			return false
		}
		putTask(snap, domain.Task{ID: op.ItemID, BoardID: snap.Board.ID, ColumnID: op.ParentID, Title: op.Title}, op.Position)
		return true
	case OpCreateColumn:
		putColumn(snap, domain.Column{ID: op.ItemID, BoardID: snap.Board.ID, Title: op.Title}, op.Position)
		return true
	case OpRenameTask:
		return renameTask(snap, op.ItemID, op.Title)
	case OpRenameColumn:
		return renameColumn(snap, op.ItemID, op.Title)
	case OpDeleteTask:
		removeTask(snap, op.ItemID)
		return false
	case OpDeleteColumn:
		removeColumn(snap, op.ItemID)
		return false
	}
	return false
}

// Render builds the displayed board.
func (s State) Render() Rendered {
	snap, touched := s.replay()
	out := Rendered{
		Board:   snap.Board,
		Columns: make([]RenderedColumn, 0, len(snap.Columns)),
		Viewers: s.Viewers,
		Deleted: s.Deleted,
	}
	if s.Deleted {
		out.Columns = nil
		return out
	}
	for _, c := range snap.Columns {
		rc := RenderedColumn{Column: c, Pending: touched[c.ID], Tasks: []RenderedTask{}}
		for _, t := range snap.TasksIn(c.ID) {
			rc.Tasks = append(rc.Tasks, RenderedTask{Task: t, Pending: touched[t.ID]})
		}
		out.Columns = append(out.Columns, rc)
	}
	return out
}
