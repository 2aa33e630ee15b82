package domain_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/storage"
)

var (
	owner  = domain.Principal{UserID: "owner", Name: "Owner"}
	editor = domain.Principal{UserID: "editor"}
	viewer = domain.Principal{UserID: "viewer"}
)

type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recorder) Publish(_ context.Context, ev domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	svc    *domain.Service
	store  domain.Store
	events *recorder
	board  domain.Board
	cols   []domain.Column
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// newFixture builds a board owned by owner with an editor and a viewer and
// the given columns, each holding tasks named <column><n>.
func newFixture(t *testing.T, store domain.Store, layout map[string]int, order ...string) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	ctx := context.Background()
	rec := &recorder{}
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	svc := domain.NewService(store, domain.NewEmitter(quietLogger(), rec),
		domain.WithClock(func() time.Time { return now }),
		domain.WithIDs(sequentialIDs()),
		domain.WithLogger(quietLogger()),
	)
	b, err := svc.CreateBoard(ctx, owner, domain.BoardInput{Title: "Roadmap"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	if _, err := svc.AddMember(ctx, owner, b.ID, editor.UserID, domain.RoleEditor); err != nil {
		t.Fatalf("add editor: %v", err)
	}
	if _, err := svc.AddMember(ctx, owner, b.ID, viewer.UserID, domain.RoleViewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	f := &fixture{svc: svc, store: store, events: rec, board: b}
	for _, name := range order {
		col, err := svc.CreateColumn(ctx, owner, b.ID, domain.ColumnInput{Title: name})
		if err != nil {
			t.Fatalf("create column %s: %v", name, err)
		}
		f.cols = append(f.cols, col)
		for i := 0; i < layout[name]; i++ {
			if _, err := svc.CreateTask(ctx, owner, col.ID, domain.TaskInput{Title: fmt.Sprintf("%s%d", name, i+1)}); err != nil {
				t.Fatalf("create task: %v", err)
			}
		}
	}
	rec.reset()
	return f
}

func (f *fixture) column(name string) domain.Column {
	for _, c := range f.cols {
		if c.Title == name {
			return c
		}
	}
	panic("no column " + name)
}

// titles lists a column's task titles in position order and fails unless
// the positions are exactly 0..n-1.
func (f *fixture) titles(t *testing.T, name string) []string {
	t.Helper()
	tasks, err := f.store.TasksByColumn(context.Background(), f.column(name).ID)
	if err != nil {
		t.Fatalf("tasks by column: %v", err)
	}
	out := make([]string, len(tasks))
	for i, task := range tasks {
		if task.Position != i {
			t.Fatalf("column %s not dense: %s at %d, expected %d", name, task.Title, task.Position, i)
		}
		out[i] = task.Title
	}
	return out
}

func (f *fixture) task(t *testing.T, title string) domain.Task {
	t.Helper()
	snap, err := f.store.Snapshot(context.Background(), f.board.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, task := range snap.Tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task %s", title)
	return domain.Task{}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
