package domain

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type MoveState string

const (
	MoveRequested  MoveState = "requested"
	MoveValidating MoveState = "validating"
	MoveApplying   MoveState = "applying"
	MoveCommitted  MoveState = "committed"
	MoveRejected   MoveState = "rejected"
	MoveRolledBack MoveState = "rolled_back"
)

func (s MoveState) Terminal() bool {
	return s == MoveCommitted || s == MoveRejected || s == MoveRolledBack
}

// MoveRequest asks for ItemID to end up under TargetParentID at Position.
// For columns the parent is the board. ExpectedParentID and ExpectedPosition
// are optional preconditions; a mismatch is a conflict.
type MoveRequest struct {
	ItemID           string `json:"itemId"`
	TargetParentID   string `json:"targetParentId"`
	Position         int    `json:"position"`
	ExpectedParentID string `json:"expectedParentId,omitempty"`
	ExpectedPosition *int   `json:"expectedPosition,omitempty"`
}

type MoveResult struct {
	Kind           ItemKind  `json:"kind"`
	ItemID         string    `json:"itemId"`
	BoardID        string    `json:"boardId"`
	SourceParentID string    `json:"sourceParentId"`
	TargetParentID string    `json:"targetParentId"`
	OldPosition    int       `json:"oldPosition"`
	NewPosition    int       `json:"newPosition"`
	Changed        bool      `json:"changed"`
	State          MoveState `json:"state"`
}

// MoveTask moves a task within its column or into another column of the
// same board.
func (s *Service) MoveTask(ctx context.Context, actor Principal, req MoveRequest) (res MoveResult, err error) {
	res = MoveResult{Kind: ItemTask, ItemID: req.ItemID, TargetParentID: req.TargetParentID, State: MoveRequested}
	ctx, span := s.startMove(ctx, ItemTask, req)
	defer func() { s.finishMove(span, &res, err) }()

	res.State = MoveValidating
	if err := s.precheck(actor, req); err != nil {
		return res, rejectMove(&res, err)
	}
	task, err := s.store.GetTask(ctx, req.ItemID)
	if err != nil {
		return res, rejectMove(&res, err)
	}
	res.BoardID = task.BoardID
	if err := s.Authorize(ctx, actor, task.BoardID, OpEdit); err != nil {
		return res, rejectMove(&res, err)
	}
	target, err := s.store.GetColumn(ctx, req.TargetParentID)
	if err != nil {
		return res, rejectMove(&res, err)
	}
	if target.BoardID != task.BoardID {
		return res, rejectMove(&res, invalid("column %s belongs to another board", target.ID))
	}

	res.State = MoveApplying
	err = s.apply(ctx, task.BoardID, func(ctx context.Context, tx Tx) error {
		return moveItem(ctx, tx, ItemTask, req, &res)
	})
	if err != nil {
		return res, rejectMove(&res, err)
	}
	res.State = MoveCommitted
	if res.Changed {
		ev, err := NewEvent(TaskMoved, res.BoardID, res.ItemID, actor.UserID, s.stamp(), TaskMovedPayload{
			BoardID:        res.BoardID,
			TaskID:         res.ItemID,
			SourceColumnID: res.SourceParentID,
			TargetColumnID: res.TargetParentID,
			OldPosition:    res.OldPosition,
			NewPosition:    res.NewPosition,
			MovedBy:        actor.UserID,
		})
		s.emit(ctx, ev.withMove(res.SourceParentID, res.TargetParentID, res.OldPosition, res.NewPosition), err)
	}
	return res, nil
}

// MoveColumn reorders a column within its board. TargetParentID must be the
// column's own board.
func (s *Service) MoveColumn(ctx context.Context, actor Principal, req MoveRequest) (res MoveResult, err error) {
	res = MoveResult{Kind: ItemColumn, ItemID: req.ItemID, TargetParentID: req.TargetParentID, State: MoveRequested}
	ctx, span := s.startMove(ctx, ItemColumn, req)
	defer func() { s.finishMove(span, &res, err) }()

	res.State = MoveValidating
	if err := s.precheck(actor, req); err != nil {
		return res, rejectMove(&res, err)
	}
	col, err := s.store.GetColumn(ctx, req.ItemID)
	if err != nil {
		return res, rejectMove(&res, err)
	}
	res.BoardID = col.BoardID
	if req.TargetParentID == "" {
		req.TargetParentID = col.BoardID
		res.TargetParentID = col.BoardID
	}
	if err := s.Authorize(ctx, actor, col.BoardID, OpEdit); err != nil {
		return res, rejectMove(&res, err)
	}
	if req.TargetParentID != col.BoardID {
		return res, rejectMove(&res, invalid("columns cannot move between boards"))
	}

	res.State = MoveApplying
	err = s.apply(ctx, col.BoardID, func(ctx context.Context, tx Tx) error {
		return moveItem(ctx, tx, ItemColumn, req, &res)
	})
	if err != nil {
		return res, rejectMove(&res, err)
	}
	res.State = MoveCommitted
	if res.Changed {
		ev, err := NewEvent(ColumnMoved, res.BoardID, res.ItemID, actor.UserID, s.stamp(), ColumnMovedPayload{
			BoardID:     res.BoardID,
			ColumnID:    res.ItemID,
			OldPosition: res.OldPosition,
			NewPosition: res.NewPosition,
			MovedBy:     actor.UserID,
		})
		s.emit(ctx, ev.withMove(res.BoardID, res.BoardID, res.OldPosition, res.NewPosition), err)
	}
	return res, nil
}

func (s *Service) precheck(actor Principal, req MoveRequest) error {
	if actor.Anonymous() {
		return ErrUnauthenticated
	}
	if req.ItemID == "" {
		return invalid("item id is required")
	}
	if req.Position < 0 {
		return invalid("position %d is negative", req.Position)
	}
	return nil
}

// moveItem applies a move inside tx. A same-parent move is a window shift; a
// cross-parent move compacts the source, opens a gap in the target and
// re-parents the item. Targets past the end clamp to an append.
func moveItem(ctx context.Context, tx Tx, kind ItemKind, req MoveRequest, res *MoveResult) error {
	parent, old, err := locate(ctx, tx, kind, req.ItemID)
	if err != nil {
		return err
	}
	res.SourceParentID, res.OldPosition = parent, old
	if req.ExpectedParentID != "" && req.ExpectedParentID != parent {
		return fmt.Errorf("%w: %s %s is in %s, not %s", ErrConflict, kind, req.ItemID, parent, req.ExpectedParentID)
	}
	if req.ExpectedPosition != nil && *req.ExpectedPosition != old {
		return fmt.Errorf("%w: %s %s is at %d, not %d", ErrConflict, kind, req.ItemID, old, *req.ExpectedPosition)
	}
	pos := PositionsOf(tx, kind)

	if req.TargetParentID == parent {
		count, err := tx.Count(ctx, kind, parent)
		if err != nil {
			return err
		}
		target := clampAppend(req.Position, count-1)
		changed, err := pos.Reorder(ctx, parent, req.ItemID, old, target)
		if err != nil {
			return err
		}
		res.NewPosition, res.Changed = target, changed
		return nil
	}

	if kind != ItemTask {
		return invalid("%s cannot change parent", kind)
	}
	count, err := tx.Count(ctx, kind, req.TargetParentID)
	if err != nil {
		return err
	}
	target := clampAppend(req.Position, count)
	if err := pos.RemoveAndCompact(ctx, parent, old); err != nil {
		return err
	}
	if err := pos.InsertAt(ctx, req.TargetParentID, target); err != nil {
		return err
	}
	if err := tx.Place(ctx, kind, req.ItemID, req.TargetParentID, target); err != nil {
		return err
	}
	res.NewPosition, res.Changed = target, true
	return nil
}

func locate(ctx context.Context, r Reader, kind ItemKind, id string) (string, int, error) {
	switch kind {
	case ItemColumn:
		c, err := r.GetColumn(ctx, id)
		return c.BoardID, c.Position, err
	case ItemTask:
		t, err := r.GetTask(ctx, id)
		return t.ColumnID, t.Position, err
	}
	return "", 0, invalid("unknown item kind %q", kind)
}

// rejectMove records the terminal state for err. Failures after Applying
// started roll back; everything else is a rejection.
func rejectMove(res *MoveResult, err error) error {
	if res.State == MoveApplying && !domainError(err) {
		res.State = MoveRolledBack
		return storageFailure(err)
	}
	res.State = MoveRejected
	return storageFailure(err)
}

func (s *Service) startMove(ctx context.Context, kind ItemKind, req MoveRequest) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "domain.Move",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kanban.kind", string(kind)),
			attribute.String("kanban.item", req.ItemID),
			attribute.String("kanban.target_parent", req.TargetParentID),
			attribute.Int("kanban.position", req.Position),
		))
}

func (s *Service) finishMove(span trace.Span, res *MoveResult, err error) {
	span.SetAttributes(
		attribute.String("kanban.board", res.BoardID),
		attribute.String("kanban.move_state", string(res.State)),
		attribute.Bool("kanban.changed", res.Changed),
	)
	fields := log.Fields{
		"kind":       res.Kind,
		"item":       res.ItemID,
		"board":      res.BoardID,
		"from":       res.SourceParentID,
		"to":         res.TargetParentID,
		"old":        res.OldPosition,
		"new":        res.NewPosition,
		"move_state": res.State,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		s.log.WithFields(fields).WithError(err).Info("move not applied")
	} else {
		s.log.WithFields(fields).Debug("move committed")
	}
	span.End()
}
