package reconcile

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Hiviexd/kanban-board/domain"
)

// ErrOutOfSync means an authoritative event referenced something the
// confirmed snapshot does not have. The caller should reload and Resync.
var ErrOutOfSync = errors.New("reconcile: snapshot out of sync")

func outOfSync(f domain.Frame, id string) error {
	return fmt.Errorf("%w: %s references unknown %s", ErrOutOfSync, f.Type, id)
}

func (s State) apply(f domain.Frame) (State, error) {
	if s.Deleted || (f.BoardID != "" && f.BoardID != s.Confirmed.Board.ID) {
		return s, nil
	}
	snap := s.Confirmed.Clone()
	var match func(Op) bool

	switch domain.EventKind(f.Type) {
	case domain.TaskMoved:
		var p domain.TaskMovedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		if !moveTask(&snap, p.TaskID, p.TargetColumnID, p.NewPosition) {
			return s, outOfSync(f, p.TaskID)
		}
		siblings := len(tasksOf(&snap, p.TargetColumnID))
		match = func(op Op) bool {
			return op.Kind == OpMoveTask && op.ItemID == p.TaskID && landed(op, p.TargetColumnID, p.NewPosition, siblings)
		}

	case domain.TaskCreated:
		var p domain.TaskCreatedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		if !hasColumn(&snap, p.Task.ColumnID) {
			return s, outOfSync(f, p.Task.ColumnID)
		}
		putTask(&snap, p.Task, p.Task.Position)
		match = func(op Op) bool {
			return op.Kind == OpCreateTask && op.ParentID == p.Task.ColumnID && op.Title == p.Task.Title
		}

	case domain.TaskUpdated:
		var p domain.TaskUpdatedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		if _, ok := findTask(&snap, p.TaskID); !ok {
			return s, outOfSync(f, p.TaskID)
		}
		putTask(&snap, p.Task, p.Task.Position)
		siblings := len(tasksOf(&snap, p.Task.ColumnID))
		match = func(op Op) bool {
			if op.ItemID != p.TaskID {
				return false
			}
			return (op.Kind == OpRenameTask && p.Changes.Title != nil) ||
				(op.Kind == OpMoveTask && p.Changes.Position != nil && landed(op, p.Task.ColumnID, p.Task.Position, siblings))
		}

	case domain.TaskDeleted:
		var p domain.TaskDeletedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		removeTask(&snap, p.TaskID)
		match = func(op Op) bool { return op.Kind == OpDeleteTask && op.ItemID == p.TaskID }

	case domain.ColumnCreated:
		var p domain.ColumnCreatedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		putColumn(&snap, p.Column, p.Column.Position)
		match = func(op Op) bool { return op.Kind == OpCreateColumn && op.Title == p.Column.Title }

	case domain.ColumnUpdated:
		var p domain.ColumnUpdatedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		if p.Changes.Title != nil && !renameColumn(&snap, p.ColumnID, *p.Changes.Title) {
			return s, outOfSync(f, p.ColumnID)
		}
		if p.Changes.Position != nil && !moveColumn(&snap, p.ColumnID, *p.Changes.Position) {
			return s, outOfSync(f, p.ColumnID)
		}
		columns := len(snap.Columns)
		match = func(op Op) bool {
			if op.ItemID != p.ColumnID {
				return false
			}
			return (op.Kind == OpRenameColumn && p.Changes.Title != nil) ||
				(op.Kind == OpMoveColumn && p.Changes.Position != nil && landed(op, "", *p.Changes.Position, columns))
		}

	case domain.ColumnMoved:
		var p domain.ColumnMovedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		if !moveColumn(&snap, p.ColumnID, p.NewPosition) {
			return s, outOfSync(f, p.ColumnID)
		}
		columns := len(snap.Columns)
		match = func(op Op) bool {
			return op.Kind == OpMoveColumn && op.ItemID == p.ColumnID && landed(op, "", p.NewPosition, columns)
		}

	case domain.ColumnDeleted:
		var p domain.ColumnDeletedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		removeColumn(&snap, p.ColumnID)
		match = func(op Op) bool { return op.Kind == OpDeleteColumn && op.ItemID == p.ColumnID }

	case domain.BoardUpdated:
		var p domain.BoardUpdatedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		snap.Board = p.Board
		if p.Changes.Labels != nil {
			stripTaskLabels(&snap)
		}

	case domain.BoardDeleted:
		s.Deleted = true
		s.Pending = nil
		return s, nil

	case domain.MemberAdded, domain.MemberRoleUpdated, domain.MemberRemoved:
		var p domain.MemberPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		applyMember(&snap.Board, domain.EventKind(f.Type), p)

	case domain.UserJoined:
		var p domain.UserJoinedPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		viewers := slices.DeleteFunc(slices.Clone(s.Viewers), func(v domain.Viewer) bool { return v.UserID == p.UserID })
		s.Viewers = append(viewers, p.Viewer)
		return s, nil

	case domain.UserLeft:
		var p domain.UserLeftPayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		s.Viewers = slices.DeleteFunc(slices.Clone(s.Viewers), func(v domain.Viewer) bool { return v.UserID == p.UserID })
		return s, nil

	case domain.PresenceUpdated:
		var p domain.PresencePayload
		if err := f.Decode(&p); err != nil {
			return s, err
		}
		s.Viewers = slices.Clone(p.Users)
		return s, nil

	default:
		// connected, error and pong frames carry no board state
		return s, nil
	}

	s.Confirmed = snap
	if match != nil {
		s = s.resolve(f.ActorID, match)
	}
	return s, nil
}

// landed reports whether a move op asked for the slot the event reports.
// The requested position is clamped to the siblings the way the server
// clamps it, so a move by the same user from another client to a different
// slot leaves this op pending.
func landed(op Op, parentID string, position, siblings int) bool {
	return op.ParentID == parentID && clamp(op.Position, siblings-1) == position
}

func applyMember(b *domain.Board, kind domain.EventKind, p domain.MemberPayload) {
	i := slices.IndexFunc(b.Members, func(m domain.Member) bool { return m.UserID == p.UserID })
	switch {
	case kind == domain.MemberRemoved && i >= 0:
		b.Members = slices.Delete(b.Members, i, i+1)
	case kind != domain.MemberRemoved && i >= 0:
		b.Members[i].Role = p.Role
	case kind == domain.MemberAdded:
		b.Members = append(b.Members, domain.Member{UserID: p.UserID, Role: p.Role})
	}
}

func stripTaskLabels(s *domain.Snapshot) {
	for i := range s.Tasks {
		s.Tasks[i].Labels = slices.DeleteFunc(s.Tasks[i].Labels, func(id string) bool { return !s.Board.HasLabel(id) })
	}
}
