package domain_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/storage"
)

func intPtr(v int) *int { return &v }

func TestMoveTaskAcrossColumns(t *testing.T) {
	f := newFixture(t, nil, map[string]int{"A": 3}, "A", "B")
	ctx := context.Background()
	t1 := f.task(t, "A1")

	res, err := f.svc.MoveTask(ctx, editor, domain.MoveRequest{ItemID: t1.ID, TargetParentID: f.column("B").ID, Position: 0})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.State != domain.MoveCommitted || !res.Changed {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A2", "A3"}) {
		t.Fatalf("column A = %v", got)
	}
	if got := f.titles(t, "B"); !equal(got, []string{"A1"}) {
		t.Fatalf("column B = %v", got)
	}

	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.TaskMoved {
		t.Fatalf("expected one task_moved event, got %v", f.events.kinds())
	}
	var p domain.TaskMovedPayload
	if err := f.events.events[0].Frame().Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := domain.TaskMovedPayload{
		BoardID: f.board.ID, TaskID: t1.ID,
		SourceColumnID: f.column("A").ID, TargetColumnID: f.column("B").ID,
		OldPosition: 0, NewPosition: 0, MovedBy: editor.UserID,
	}
	if p != want {
		t.Fatalf("payload = %+v, want %+v", p, want)
	}
	ev := f.events.events[0]
	if ev.ParentBefore != want.SourceColumnID || ev.ParentAfter != want.TargetColumnID || *ev.PositionBefore != 0 || *ev.PositionAfter != 0 {
		t.Fatalf("event move fields wrong: %+v", ev)
	}
}

type shiftCall struct {
	window   domain.Window
	delta    int
	affected int
}

type recordingStore struct {
	domain.Store
	shifts []shiftCall
}

func (s *recordingStore) WithinBoard(ctx context.Context, boardID string, fn func(context.Context, domain.Tx) error) error {
	return s.Store.WithinBoard(ctx, boardID, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, &recordingTx{Tx: tx, s: s})
	})
}

type recordingTx struct {
	domain.Tx
	s *recordingStore
}

func (tx *recordingTx) Shift(ctx context.Context, kind domain.ItemKind, parentID string, w domain.Window, delta int) (int, error) {
	n, err := tx.Tx.Shift(ctx, kind, parentID, w, delta)
	tx.s.shifts = append(tx.s.shifts, shiftCall{window: w, delta: delta, affected: n})
	return n, err
}

func TestReorderShiftsOnlyTheWindow(t *testing.T) {
	rs := &recordingStore{Store: storage.NewMemory()}
	f := newFixture(t, rs, map[string]int{"A": 5}, "A")
	rs.shifts = nil
	subject := f.task(t, "A2")

	if _, err := f.svc.MoveTask(context.Background(), editor, domain.MoveRequest{ItemID: subject.ID, TargetParentID: subject.ColumnID, Position: 3}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(rs.shifts) != 1 {
		t.Fatalf("expected one batched shift, got %+v", rs.shifts)
	}
	call := rs.shifts[0]
	if call.window.From != 2 || call.window.To != 3 || call.delta != -1 || call.affected != 2 {
		t.Fatalf("unexpected shift %+v", call)
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A1", "A3", "A4", "A2", "A5"}) {
		t.Fatalf("column A = %v", got)
	}

	rs.shifts = nil
	if _, err := f.svc.MoveTask(context.Background(), editor, domain.MoveRequest{ItemID: subject.ID, TargetParentID: subject.ColumnID, Position: 0}); err != nil {
		t.Fatalf("move back: %v", err)
	}
	call = rs.shifts[0]
	if call.window.From != 0 || call.window.To != 2 || call.delta != 1 || call.affected != 3 {
		t.Fatalf("unexpected backward shift %+v", call)
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A2", "A1", "A3", "A4", "A5"}) {
		t.Fatalf("column A = %v", got)
	}
}

func TestMoveToSamePositionIsNoOp(t *testing.T) {
	f := newFixture(t, nil, map[string]int{"A": 3}, "A")
	task := f.task(t, "A2")
	res, err := f.svc.MoveTask(context.Background(), editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: task.ColumnID, Position: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Changed || res.State != domain.MoveCommitted {
		t.Fatalf("expected committed no-op, got %+v", res)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("no-op emitted %v", f.events.kinds())
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A1", "A2", "A3"}) {
		t.Fatalf("column A = %v", got)
	}
}

func TestPositionsStayDenseUnderRandomMoves(t *testing.T) {
	f := newFixture(t, nil, map[string]int{"A": 4, "B": 3, "C": 0}, "A", "B", "C")
	ctx := context.Background()
	snap, err := f.store.Snapshot(ctx, f.board.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		task := snap.Tasks[rng.Intn(len(snap.Tasks))]
		target := f.cols[rng.Intn(len(f.cols))]
		req := domain.MoveRequest{ItemID: task.ID, TargetParentID: target.ID, Position: rng.Intn(9)}
		if _, err := f.svc.MoveTask(ctx, editor, req); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		total := 0
		for _, c := range f.cols {
			total += len(f.titles(t, c.Title))
		}
		if total != 7 {
			t.Fatalf("move %d lost tasks: %d", i, total)
		}
		if i%20 == 0 {
			col := f.cols[rng.Intn(len(f.cols))]
			if _, err := f.svc.MoveColumn(ctx, editor, domain.MoveRequest{ItemID: col.ID, Position: rng.Intn(4)}); err != nil {
				t.Fatalf("move column: %v", err)
			}
			cols, _ := f.store.ColumnsByBoard(ctx, f.board.ID)
			for j, c := range cols {
				if c.Position != j {
					t.Fatalf("columns not dense: %+v", cols)
				}
			}
		}
	}
}

type faultyStore struct {
	domain.Store
	failOn int
	armed  bool
}

func (s *faultyStore) WithinBoard(ctx context.Context, boardID string, fn func(context.Context, domain.Tx) error) error {
	return s.Store.WithinBoard(ctx, boardID, func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, s: s})
	})
}

type faultyTx struct {
	domain.Tx
	s     *faultyStore
	calls int
}

func (tx *faultyTx) Shift(ctx context.Context, kind domain.ItemKind, parentID string, w domain.Window, delta int) (int, error) {
	tx.calls++
	if tx.s.armed && tx.calls == tx.s.failOn {
		return 0, errors.New("write timed out")
	}
	return tx.Tx.Shift(ctx, kind, parentID, w, delta)
}

func TestCrossColumnMoveAtomicOnFailure(t *testing.T) {
	fs := &faultyStore{Store: storage.NewMemory(), failOn: 2}
	f := newFixture(t, fs, map[string]int{"A": 3, "B": 2}, "A", "B")
	fs.armed = true
	task := f.task(t, "A1")

	res, err := f.svc.MoveTask(context.Background(), editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: f.column("B").ID, Position: 1})
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if res.State != domain.MoveRolledBack {
		t.Fatalf("expected rolled back, got %s", res.State)
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A1", "A2", "A3"}) {
		t.Fatalf("source column changed: %v", got)
	}
	if got := f.titles(t, "B"); !equal(got, []string{"B1", "B2"}) {
		t.Fatalf("target column changed: %v", got)
	}
	if len(f.events.events) != 0 {
		t.Fatalf("failed move emitted %v", f.events.kinds())
	}
}

func TestMoveRejections(t *testing.T) {
	f := newFixture(t, nil, map[string]int{"A": 2, "B": 1}, "A", "B")
	ctx := context.Background()
	other, err := f.svc.CreateBoard(ctx, owner, domain.BoardInput{Title: "Other"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	foreign, err := f.svc.CreateColumn(ctx, owner, other.ID, domain.ColumnInput{Title: "X"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	f.events.reset()
	task := f.task(t, "A2")
	a, b := f.column("A").ID, f.column("B").ID

	cases := []struct {
		name  string
		actor domain.Principal
		req   domain.MoveRequest
		want  error
	}{
		{"anonymous", domain.Principal{}, domain.MoveRequest{ItemID: task.ID, TargetParentID: b}, domain.ErrUnauthenticated},
		{"viewer", viewer, domain.MoveRequest{ItemID: task.ID, TargetParentID: b}, domain.ErrForbidden},
		{"stranger", domain.Principal{UserID: "nobody"}, domain.MoveRequest{ItemID: task.ID, TargetParentID: b}, domain.ErrForbidden},
		{"missing task", editor, domain.MoveRequest{ItemID: "nope", TargetParentID: b}, domain.ErrNotFound},
		{"missing column", editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: "nope"}, domain.ErrNotFound},
		{"negative position", editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: b, Position: -1}, domain.ErrInvalidOperation},
		{"other board", editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: foreign.ID}, domain.ErrInvalidOperation},
		{"stale source", editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: b, ExpectedParentID: b}, domain.ErrConflict},
		{"stale position", editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: a, ExpectedPosition: intPtr(0)}, domain.ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.MoveTask(ctx, tc.actor, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res.State != domain.MoveRejected {
				t.Fatalf("expected rejected, got %s", res.State)
			}
		})
	}
	if len(f.events.events) != 0 {
		t.Fatalf("rejections emitted %v", f.events.kinds())
	}
	if got := f.titles(t, "A"); !equal(got, []string{"A1", "A2"}) {
		t.Fatalf("column A = %v", got)
	}
}

func TestMovePastEndClampsToAppend(t *testing.T) {
	f := newFixture(t, nil, map[string]int{"A": 3, "B": 2}, "A", "B")
	ctx := context.Background()
	a1 := f.task(t, "A1")

	res, err := f.svc.MoveTask(ctx, editor, domain.MoveRequest{ItemID: a1.ID, TargetParentID: a1.ColumnID, Position: 99})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.NewPosition != 2 {
		t.Fatalf("expected clamp to 2, got %d", res.NewPosition)
	}
	res, err = f.svc.MoveTask(ctx, editor, domain.MoveRequest{ItemID: a1.ID, TargetParentID: f.column("B").ID, Position: 99})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.NewPosition != 2 || res.OldPosition != 2 {
		t.Fatalf("expected append at 2 from 2, got %+v", res)
	}
	if got := f.titles(t, "B"); !equal(got, []string{"B1", "B2", "A1"}) {
		t.Fatalf("column B = %v", got)
	}
}

func TestMoveColumnEmitsColumnMoved(t *testing.T) {
	f := newFixture(t, nil, nil, "A", "B", "C")
	ctx := context.Background()
	res, err := f.svc.MoveColumn(ctx, editor, domain.MoveRequest{ItemID: f.column("C").ID, TargetParentID: f.board.ID, Position: 0})
	if err != nil {
		t.Fatalf("move column: %v", err)
	}
	if res.OldPosition != 2 || res.NewPosition != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	cols, _ := f.store.ColumnsByBoard(ctx, f.board.ID)
	var got []string
	for _, c := range cols {
		got = append(got, c.Title)
	}
	if !equal(got, []string{"C", "A", "B"}) {
		t.Fatalf("columns = %v", got)
	}
	if kinds := f.events.kinds(); len(kinds) != 1 || kinds[0] != domain.ColumnMoved {
		t.Fatalf("events = %v", kinds)
	}

	_, err = f.svc.MoveColumn(ctx, editor, domain.MoveRequest{ItemID: f.column("A").ID, TargetParentID: "another-board", Position: 0})
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}

func TestMoveRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	store := storage.NewMemory()
	f := newFixture(t, store, map[string]int{"A": 2}, "A", "B")
	svc := domain.NewService(store, nil, domain.WithTracerProvider(tp), domain.WithLogger(quietLogger()))

	task := f.task(t, "A1")
	if _, err := svc.MoveTask(context.Background(), editor, domain.MoveRequest{ItemID: task.ID, TargetParentID: f.column("B").ID}); err != nil {
		t.Fatalf("move: %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "domain.Move" {
		t.Fatalf("expected one domain.Move span, got %d", len(spans))
	}
	var state string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "kanban.move_state" {
			state = kv.Value.AsString()
		}
	}
	if state != string(domain.MoveCommitted) {
		t.Fatalf("span move_state = %q", state)
	}
}
