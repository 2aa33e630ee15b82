package domain

import "context"

// ItemKind selects which ordered collection a position operation touches.
type ItemKind string

const (
	ItemColumn ItemKind = "column"
	ItemTask   ItemKind = "task"
)

// Window selects the siblings whose position lies in [From, To]. A negative
// To leaves the window open at the top. Exclude skips one item, usually the
// one being moved.
type Window struct {
	From    int
	To      int
	Exclude string
}

func (w Window) Contains(id string, position int) bool {
	if id == w.Exclude || position < w.From {
		return false
	}
	return w.To < 0 || position <= w.To
}

// Reader exposes the committed state. Lists are sorted by position.
type Reader interface {
	GetBoard(ctx context.Context, boardID string) (Board, error)
	GetColumn(ctx context.Context, columnID string) (Column, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	ColumnsByBoard(ctx context.Context, boardID string) ([]Column, error)
	TasksByColumn(ctx context.Context, columnID string) ([]Task, error)
}

// Tx is a board-scoped transaction. Nothing written through it is visible to
// readers until the function passed to Store.WithinBoard returns nil.
type Tx interface {
	Reader
	Count(ctx context.Context, kind ItemKind, parentID string) (int, error)
	// Shift adds delta to the position of every child of parentID inside w
	// as a single batched update and returns how many items moved.
	Shift(ctx context.Context, kind ItemKind, parentID string, w Window, delta int) (int, error)
	// Place sets the parent and position of one item.
	Place(ctx context.Context, kind ItemKind, id, parentID string, position int) error
	PutBoard(ctx context.Context, b Board) error
	PutColumn(ctx context.Context, c Column) error
	PutTask(ctx context.Context, t Task) error
	DeleteColumn(ctx context.Context, columnID string) error
	DeleteTask(ctx context.Context, taskID string) error
}

type Store interface {
	Reader
	ListBoards(ctx context.Context) ([]Board, error)
	Snapshot(ctx context.Context, boardID string) (Snapshot, error)
	CreateBoard(ctx context.Context, b Board) error
	// DeleteBoard removes the board with all of its columns and tasks.
	DeleteBoard(ctx context.Context, boardID string) error
	WithinBoard(ctx context.Context, boardID string, fn func(ctx context.Context, tx Tx) error) error
}
