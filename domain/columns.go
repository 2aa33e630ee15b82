package domain

import "context"

type ColumnInput struct {
	Title    string `json:"title"`
	Position *int   `json:"position,omitempty"`
}

type ColumnPatch struct {
	Title    *string `json:"title,omitempty"`
	Position *int    `json:"position,omitempty"`
}

func (s *Service) ListColumns(ctx context.Context, actor Principal, boardID string) ([]Column, error) {
	if err := s.Authorize(ctx, actor, boardID, OpView); err != nil {
		return nil, err
	}
	cols, err := s.store.ColumnsByBoard(ctx, boardID)
	return cols, storageFailure(err)
}

// CreateColumn appends a column, or inserts it at Position when given.
func (s *Service) CreateColumn(ctx context.Context, actor Principal, boardID string, in ColumnInput) (Column, error) {
	if err := s.Authorize(ctx, actor, boardID, OpEdit); err != nil {
		return Column{}, err
	}
	title, err := cleanTitle("title", in.Title, MaxColumnTitle)
	if err != nil {
		return Column{}, err
	}
	if in.Position != nil && *in.Position < 0 {
		return Column{}, invalid("position %d is negative", *in.Position)
	}
	now := s.stamp()
	col := Column{ID: s.newID(), BoardID: boardID, Title: title, CreatedAt: now, UpdatedAt: now}
	err = s.apply(ctx, boardID, func(ctx context.Context, tx Tx) error {
		pos := PositionsOf(tx, ItemColumn)
		next, err := pos.AppendPosition(ctx, boardID)
		if err != nil {
			return err
		}
		col.Position = next
		if in.Position != nil && *in.Position < next {
			col.Position = *in.Position
			if err := pos.InsertAt(ctx, boardID, col.Position); err != nil {
				return err
			}
		}
		return tx.PutColumn(ctx, col)
	})
	if err != nil {
		return Column{}, err
	}
	ev, err := NewEvent(ColumnCreated, boardID, col.ID, actor.UserID, now, ColumnCreatedPayload{BoardID: boardID, Column: col, CreatedBy: actor.UserID})
	s.emit(ctx, ev, err)
	return col, nil
}

// UpdateColumn renames a column and optionally repositions it in the same
// transaction. A patch carrying only a position is a plain move.
func (s *Service) UpdateColumn(ctx context.Context, actor Principal, columnID string, patch ColumnPatch) (Column, error) {
	if patch.Title == nil && patch.Position == nil {
		return Column{}, invalid("nothing to update")
	}
	cur, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return Column{}, storageFailure(err)
	}
	if patch.Title == nil {
		if _, err := s.MoveColumn(ctx, actor, MoveRequest{ItemID: columnID, TargetParentID: cur.BoardID, Position: *patch.Position}); err != nil {
			return Column{}, err
		}
		return s.store.GetColumn(ctx, columnID)
	}
	if err := s.Authorize(ctx, actor, cur.BoardID, OpEdit); err != nil {
		return Column{}, err
	}
	title, err := cleanTitle("title", *patch.Title, MaxColumnTitle)
	if err != nil {
		return Column{}, err
	}
	patch.Title = &title
	if patch.Position != nil && *patch.Position < 0 {
		return Column{}, invalid("position %d is negative", *patch.Position)
	}

	var out Column
	var old int
	err = s.apply(ctx, cur.BoardID, func(ctx context.Context, tx Tx) error {
		col, err := tx.GetColumn(ctx, columnID)
		if err != nil {
			return err
		}
		old = col.Position
		col.Title = title
		col.UpdatedAt = s.stamp()
		if err := tx.PutColumn(ctx, col); err != nil {
			return err
		}
		if patch.Position != nil {
			n, err := tx.Count(ctx, ItemColumn, col.BoardID)
			if err != nil {
				return err
			}
			target := clampAppend(*patch.Position, n-1)
			patch.Position = &target
			if _, err := PositionsOf(tx, ItemColumn).Reorder(ctx, col.BoardID, col.ID, old, target); err != nil {
				return err
			}
		}
		out, err = tx.GetColumn(ctx, columnID)
		return err
	})
	if err != nil {
		return Column{}, err
	}
	ev, err := NewEvent(ColumnUpdated, out.BoardID, out.ID, actor.UserID, out.UpdatedAt, ColumnUpdatedPayload{
		BoardID: out.BoardID, ColumnID: out.ID, Changes: patch, OldPosition: old, UpdatedBy: actor.UserID,
	})
	s.emit(ctx, ev.withMove(out.BoardID, out.BoardID, old, out.Position), err)
	return out, nil
}

// DeleteColumn removes an empty column and compacts the rest.
func (s *Service) DeleteColumn(ctx context.Context, actor Principal, columnID string) error {
	cur, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, cur.BoardID, OpEdit); err != nil {
		return err
	}
	var removed Column
	err = s.apply(ctx, cur.BoardID, func(ctx context.Context, tx Tx) error {
		col, err := tx.GetColumn(ctx, columnID)
		if err != nil {
			return err
		}
		n, err := tx.Count(ctx, ItemTask, columnID)
		if err != nil {
			return err
		}
		if n > 0 {
			return &ColumnNotEmptyError{ColumnID: columnID, TaskCount: n}
		}
		if err := tx.DeleteColumn(ctx, columnID); err != nil {
			return err
		}
		removed = col
		return PositionsOf(tx, ItemColumn).RemoveAndCompact(ctx, col.BoardID, col.Position)
	})
	if err != nil {
		return err
	}
	ev, err := NewEvent(ColumnDeleted, removed.BoardID, columnID, actor.UserID, s.stamp(), ColumnDeletedPayload{
		BoardID: removed.BoardID, ColumnID: columnID, Position: removed.Position, DeletedBy: actor.UserID,
	})
	s.emit(ctx, ev, err)
	return nil
}

func (s *Service) GetColumn(ctx context.Context, actor Principal, columnID string) (Column, error) {
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return Column{}, storageFailure(err)
	}
	if err := s.Authorize(ctx, actor, col.BoardID, OpView); err != nil {
		return Column{}, err
	}
	return col, nil
}

