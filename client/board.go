package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/reconcile"
)

const connectTimeout = 10 * time.Second

// Board keeps a reconciled local copy of one board: REST moves are applied
// optimistically and confirmed by the realtime stream.
type Board struct {
	api     *Client
	sess    *Session
	boardID string
	log     *log.Entry

	mu    sync.Mutex
	state reconcile.State

	updates chan reconcile.Rendered
	done    chan struct{}
}

// OpenBoard opens a realtime session, waits until it has joined the board,
// then loads the board. Frames that raced the load are replayed on top of it;
// every board event carries absolute positions, so replaying is harmless.
func OpenBoard(ctx context.Context, api *Client, cfg SessionConfig) (*Board, error) {
	sess, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &Board{
		api:     api,
		sess:    sess,
		boardID: cfg.BoardID,
		log:     sess.log,
		updates: make(chan reconcile.Rendered, 1),
		done:    make(chan struct{}),
	}

	userID, presence, err := b.awaitJoined(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	snap, _, err := api.LoadBoard(ctx, cfg.BoardID)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	b.state = reconcile.New(userID, snap)
	if next, err := reconcile.Reduce(b.state, reconcile.Authoritative{Frame: presence}); err == nil {
		b.state = next
	}
	b.publish()
	go b.run()
	return b, nil
}

// awaitJoined reads frames until the server has confirmed the board
// subscription with its presence snapshot. The connected frame before it
// names the caller.
func (b *Board) awaitJoined(ctx context.Context) (string, domain.Frame, error) {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	userID := ""
	for {
		select {
		case f, ok := <-b.sess.Frames():
			if !ok {
				if err := b.sess.Err(); err != nil {
					return "", domain.Frame{}, err
				}
				return "", domain.Frame{}, errors.New("realtime session closed before joining")
			}
			switch domain.EventKind(f.Type) {
			case domain.Connected:
				var p domain.ConnectedPayload
				if err := f.Decode(&p); err != nil {
					return "", domain.Frame{}, err
				}
				userID = p.UserID
			case domain.ErrorOccurred:
				var p domain.ErrorPayload
				_ = f.Decode(&p)
				return "", domain.Frame{}, fmt.Errorf("%w: %s", domain.ErrForbidden, p.Message)
			case domain.PresenceUpdated:
				if f.BoardID == b.boardID {
					return userID, f, nil
				}
			}
		case <-timer.C:
			return "", domain.Frame{}, fmt.Errorf("board %s not joined within %s", b.boardID, connectTimeout)
		case <-ctx.Done():
			return "", domain.Frame{}, ctx.Err()
		}
	}
}

func (b *Board) run() {
	defer close(b.done)
	for f := range b.sess.Frames() {
		switch domain.EventKind(f.Type) {
		case domain.Connected:
			// A fresh stream after a reconnect may have missed events.
			b.resync()
			continue
		case domain.ErrorOccurred:
			var p domain.ErrorPayload
			_ = f.Decode(&p)
			b.log.WithField("message", p.Message).Warn("realtime error frame")
			continue
		}
		b.mu.Lock()
		next, err := reconcile.Reduce(b.state, reconcile.Authoritative{Frame: f})
		if err == nil {
			b.state = next
		}
		b.mu.Unlock()
		switch {
		case errors.Is(err, reconcile.ErrOutOfSync):
			b.log.WithError(err).Info("reloading board")
			b.resync()
		case err != nil:
			b.log.WithError(err).WithField("type", f.Type).Warn("dropping frame")
		default:
			b.publish()
		}
	}
}

func (b *Board) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	snap, _, err := b.api.LoadBoard(ctx, b.boardID)
	if err != nil {
		b.log.WithError(err).Warn("board reload failed")
		return
	}
	b.mu.Lock()
	b.state, _ = reconcile.Reduce(b.state, reconcile.Resync{Snapshot: snap})
	b.mu.Unlock()
	b.publish()
}

// publish offers the latest render; a slow reader only sees the newest.
func (b *Board) publish() {
	r := b.Render()
	select {
	case <-b.updates:
	default:
	}
	select {
	case b.updates <- r:
	default:
	}
}

func (b *Board) Updates() <-chan reconcile.Rendered { return b.updates }

func (b *Board) Render() reconcile.Rendered {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Render()
}

func (b *Board) State() reconcile.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Board) Transport() string { return b.sess.Transport() }

func (b *Board) MoveTask(ctx context.Context, taskID, columnID string, position int) (domain.MoveResult, error) {
	op := reconcile.Op{ID: uuid.NewString(), Kind: reconcile.OpMoveTask, ItemID: taskID, ParentID: columnID, Position: position}
	return b.submit(op, func() (domain.MoveResult, error) {
		return b.api.MoveTask(ctx, taskID, columnID, position, "", nil)
	})
}

func (b *Board) MoveColumn(ctx context.Context, columnID string, position int) (domain.MoveResult, error) {
	op := reconcile.Op{ID: uuid.NewString(), Kind: reconcile.OpMoveColumn, ItemID: columnID, Position: position}
	return b.submit(op, func() (domain.MoveResult, error) {
		return b.api.MoveColumn(ctx, columnID, position, nil)
	})
}

func (b *Board) submit(op reconcile.Op, call func() (domain.MoveResult, error)) (domain.MoveResult, error) {
	if err := b.reduce(reconcile.Optimistic{Op: op}); err != nil {
		return domain.MoveResult{}, err
	}
	res, err := call()
	switch {
	case err != nil:
		_ = b.reduce(reconcile.Rejected{OpID: op.ID})
	case !res.Changed:
		_ = b.reduce(reconcile.Settled{OpID: op.ID})
	}
	return res, err
}

// reduce applies a local action. ErrUnknownOp after the op was already
// confirmed by its event is expected and ignored.
func (b *Board) reduce(a reconcile.Action) error {
	b.mu.Lock()
	next, err := reconcile.Reduce(b.state, a)
	if err == nil {
		b.state = next
	}
	b.mu.Unlock()
	if errors.Is(err, reconcile.ErrUnknownOp) {
		return nil
	}
	if err == nil {
		b.publish()
	}
	return err
}

func (b *Board) Close() error {
	err := b.sess.Close()
	<-b.done
	return err
}
