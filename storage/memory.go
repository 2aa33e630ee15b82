package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Hiviexd/kanban-board/domain"
)

// Memory is an in-process domain.Store. A transaction holds the board's lock
// and works on a copy that replaces the committed partition on success.
type Memory struct {
	mu      sync.RWMutex
	boards  map[string]*partition
	columns map[string]string
	tasks   map[string]string
	locks   boardLocks
}

func NewMemory() *Memory {
	return &Memory{
		boards:  map[string]*partition{},
		columns: map[string]string{},
		tasks:   map[string]string{},
	}
}

func (m *Memory) committed(boardID string) (*partition, error) {
	p, ok := m.boards[boardID]
	if !ok {
		return nil, fmt.Errorf("%w: board %s", domain.ErrNotFound, boardID)
	}
	return p, nil
}

func (m *Memory) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(boardID)
	if err != nil {
		return domain.Board{}, err
	}
	return p.board.Clone(), nil
}

func (m *Memory) GetColumn(_ context.Context, columnID string) (domain.Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(m.columns[columnID])
	if err != nil {
		return domain.Column{}, fmt.Errorf("%w: column %s", domain.ErrNotFound, columnID)
	}
	return p.getColumn(columnID)
}

func (m *Memory) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(m.tasks[taskID])
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return p.getTask(taskID)
}

func (m *Memory) ColumnsByBoard(_ context.Context, boardID string) ([]domain.Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(boardID)
	if err != nil {
		return nil, err
	}
	return p.sortedColumns(), nil
}

func (m *Memory) TasksByColumn(_ context.Context, columnID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(m.columns[columnID])
	if err != nil {
		return nil, fmt.Errorf("%w: column %s", domain.ErrNotFound, columnID)
	}
	return p.sortedTasks(columnID), nil
}

func (m *Memory) ListBoards(_ context.Context) ([]domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Board, 0, len(m.boards))
	for _, p := range m.boards {
		out = append(out, p.board.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context, boardID string) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.committed(boardID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return p.snapshot(), nil
}

func (m *Memory) CreateBoard(_ context.Context, b domain.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boards[b.ID]; ok {
		return fmt.Errorf("%w: board %s exists", domain.ErrConflict, b.ID)
	}
	m.boards[b.ID] = newPartition(b)
	return nil
}

func (m *Memory) DeleteBoard(_ context.Context, boardID string) error {
	unlock := m.locks.lock(boardID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.committed(boardID)
	if err != nil {
		return err
	}
	for id := range p.columns {
		delete(m.columns, id)
	}
	for id := range p.tasks {
		delete(m.tasks, id)
	}
	delete(m.boards, boardID)
	return nil
}

func (m *Memory) WithinBoard(ctx context.Context, boardID string, fn func(ctx context.Context, tx domain.Tx) error) error {
	unlock := m.locks.lock(boardID)
	defer unlock()

	m.mu.RLock()
	p, err := m.committed(boardID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	tx := stage(p)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[boardID] = tx.p
	for row := range tx.changed {
		if kind, id, ok := rowID(row); ok {
			m.index(kind)[id] = boardID
		}
	}
	for row := range tx.deleted {
		if kind, id, ok := rowID(row); ok {
			delete(m.index(kind), id)
		}
	}
	return nil
}

func (m *Memory) index(kind domain.ItemKind) map[string]string {
	if kind == domain.ItemColumn {
		return m.columns
	}
	return m.tasks
}

// boardLocks serializes transactions per board.
type boardLocks struct {
	mu    sync.Mutex
	locks map[string]*boardLock
}

type boardLock struct {
	sync.Mutex
	refs int
}

func (b *boardLocks) lock(boardID string) func() {
	b.mu.Lock()
	if b.locks == nil {
		b.locks = map[string]*boardLock{}
	}
	l, ok := b.locks[boardID]
	if !ok {
		l = &boardLock{}
		b.locks[boardID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		b.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(b.locks, boardID)
		}
		b.mu.Unlock()
	}
}
