// Package reconcile merges a client's optimistic edits with the
// authoritative change stream of one board.
//
// The state is a confirmed snapshot plus an ordered list of pending
// operations. Rendering replays the pending operations on a copy of the
// confirmed snapshot, so dropping an operation is enough to revert it.
package reconcile

import (
	"errors"
	"slices"

	"github.com/Hiviexd/kanban-board/domain"
)

type OpKind string

const (
	OpMoveTask     OpKind = "move_task"
	OpMoveColumn   OpKind = "move_column"
	OpCreateTask   OpKind = "create_task"
	OpCreateColumn OpKind = "create_column"
	OpRenameTask   OpKind = "rename_task"
	OpRenameColumn OpKind = "rename_column"
	OpDeleteTask   OpKind = "delete_task"
	OpDeleteColumn OpKind = "delete_column"
)

// Op is a local edit not yet confirmed by the server. ItemID is the task or
// column id; for creates it is a client placeholder until the server's
// event arrives. ParentID is the target column of task operations.
type Op struct {
	ID       string `json:"id"`
	Kind     OpKind `json:"kind"`
	ItemID   string `json:"itemId"`
	ParentID string `json:"parentId,omitempty"`
	Position int    `json:"position"`
	Title    string `json:"title,omitempty"`
}

var (
	ErrDuplicateOp = errors.New("reconcile: duplicate operation id")
	ErrUnknownOp   = errors.New("reconcile: unknown operation")
)

// State is immutable from the caller's point of view: Reduce returns a new
// value and never writes through the old one.
type State struct {
	UserID    string
	Confirmed domain.Snapshot
	Pending   []Op
	Viewers   []domain.Viewer
	Deleted   bool
}

// New starts from a freshly loaded snapshot for the local user.
func New(userID string, snap domain.Snapshot) State {
	snap = snap.Clone()
	snap.Sort()
	return State{UserID: userID, Confirmed: snap}
}

// Action is one input to Reduce.
type Action interface{ action() }

// Optimistic records a local edit before the request is sent.
type Optimistic struct{ Op Op }

// Authoritative applies a frame received on the realtime channel.
type Authoritative struct{ Frame domain.Frame }

// Rejected drops an operation whose request failed.
type Rejected struct{ OpID string }

// Settled drops an operation the server accepted without producing an
// event, such as a move to the item's current slot.
type Settled struct{ OpID string }

// Resync replaces the confirmed snapshot with a reloaded one.
type Resync struct{ Snapshot domain.Snapshot }

func (Optimistic) action()    {}
func (Authoritative) action() {}
func (Rejected) action()      {}
func (Settled) action()       {}
func (Resync) action()        {}

// Reduce returns the state after applying a.
func Reduce(s State, a Action) (State, error) {
	switch a := a.(type) {
	case Optimistic:
		if a.Op.ID == "" || slices.ContainsFunc(s.Pending, func(p Op) bool { return p.ID == a.Op.ID }) {
			return s, ErrDuplicateOp
		}
		s.Pending = append(slices.Clone(s.Pending), a.Op)
		return s, nil
	case Rejected:
		return s.drop(a.OpID)
	case Settled:
		return s.drop(a.OpID)
	case Resync:
		snap := a.Snapshot.Clone()
		snap.Sort()
		s.Confirmed = snap
		s.Deleted = false
		return s, nil
	case Authoritative:
		return s.apply(a.Frame)
	default:
		return s, ErrUnknownOp
	}
}

func (s State) drop(opID string) (State, error) {
	i := slices.IndexFunc(s.Pending, func(p Op) bool { return p.ID == opID })
	if i < 0 {
		return s, ErrUnknownOp
	}
	s.Pending = slices.Delete(slices.Clone(s.Pending), i, i+1)
	return s, nil
}

// Converged reports whether nothing local is outstanding.
func (s State) Converged() bool {
	return len(s.Pending) == 0
}

// resolve removes the first pending operation confirmed by an event of the
// given kind issued by the local user.
func (s State) resolve(actorID string, match func(Op) bool) State {
	if actorID == "" || actorID != s.UserID {
		return s
	}
	i := slices.IndexFunc(s.Pending, match)
	if i < 0 {
		return s
	}
	s.Pending = slices.Delete(slices.Clone(s.Pending), i, i+1)
	return s
}
