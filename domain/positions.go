package domain

import "context"

// Positions keeps the children of a parent densely numbered 0..n-1. Every
// method is one batched Shift on the transaction, never a per-item loop.
type Positions struct {
	tx   Tx
	kind ItemKind
}

func PositionsOf(tx Tx, kind ItemKind) Positions {
	return Positions{tx: tx, kind: kind}
}

// AppendPosition is the position a new last child takes.
func (p Positions) AppendPosition(ctx context.Context, parentID string) (int, error) {
	return p.tx.Count(ctx, p.kind, parentID)
}

// InsertAt opens a gap at target. The caller places the new item there.
func (p Positions) InsertAt(ctx context.Context, parentID string, target int) error {
	_, err := p.tx.Shift(ctx, p.kind, parentID, Window{From: target, To: -1}, 1)
	return err
}

// Reorder moves id from old to target within one parent. Only the siblings
// between the two positions are touched. It reports false for a no-op.
func (p Positions) Reorder(ctx context.Context, parentID, id string, old, target int) (bool, error) {
	if old == target {
		return false, nil
	}
	var err error
	if old < target {
		_, err = p.tx.Shift(ctx, p.kind, parentID, Window{From: old + 1, To: target, Exclude: id}, -1)
	} else {
		_, err = p.tx.Shift(ctx, p.kind, parentID, Window{From: target, To: old - 1, Exclude: id}, 1)
	}
	if err != nil {
		return false, err
	}
	return true, p.tx.Place(ctx, p.kind, id, parentID, target)
}

// RemoveAndCompact closes the gap left at removed.
func (p Positions) RemoveAndCompact(ctx context.Context, parentID string, removed int) error {
	_, err := p.tx.Shift(ctx, p.kind, parentID, Window{From: removed + 1, To: -1}, -1)
	return err
}

// clampAppend bounds target to [0, count]; callers reject negatives first.
func clampAppend(target, count int) int {
	if target > count {
		return count
	}
	return target
}
