package realtime

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

type presenceEntry struct {
	viewer domain.Viewer
	seq    uint64
	conns  map[string]struct{}
}

// Presence tracks who is viewing each board. A user with several
// connections on a board counts once; user_left goes out when the last one
// leaves. State is process-local and lost on restart.
type Presence struct {
	mu     sync.Mutex
	boards map[string]map[string]*presenceEntry
	hub    *Hub
	log    *log.Logger
	now    func() time.Time
	seq    uint64
}

func NewPresence(hub *Hub, logger *log.Logger) *Presence {
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &Presence{boards: map[string]map[string]*presenceEntry{}, hub: hub, log: logger, now: time.Now}
	hub.OnBoardClosed(p.DropBoard)
	return p
}

// Join records s on boardID. Other subscribers hear user_joined first, then
// s alone receives the full presence set. s must already be subscribed.
func (p *Presence) Join(boardID string, s Subscriber) error {
	pr := s.Principal()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !pr.Anonymous() {
		users, ok := p.boards[boardID]
		if !ok {
			users = map[string]*presenceEntry{}
			p.boards[boardID] = users
		}
		entry, known := users[pr.UserID]
		if !known {
			p.seq++
			entry = &presenceEntry{
				seq:    p.seq,
				viewer: domain.Viewer{UserID: pr.UserID, Name: pr.Name, Picture: pr.Picture, JoinedAt: p.now().UTC()},
				conns:  map[string]struct{}{},
			}
			users[pr.UserID] = entry
		}
		entry.conns[s.ID()] = struct{}{}
		if !known {
			p.announce(boardID, domain.UserJoined, domain.UserJoinedPayload{BoardID: boardID, Viewer: entry.viewer}, s.ID())
		}
	}

	frame, err := p.encode(domain.PresenceUpdated, boardID, domain.PresencePayload{BoardID: boardID, Users: p.viewers(boardID)})
	if err != nil {
		return err
	}
	if !p.hub.Deliver(boardID, s, frame) {
		return ErrClosed
	}
	return nil
}

// Leave removes s from boardID. Unknown connections are ignored.
func (p *Presence) Leave(boardID string, s Subscriber) {
	pr := s.Principal()
	p.mu.Lock()
	defer p.mu.Unlock()
	users, ok := p.boards[boardID]
	if !ok {
		return
	}
	entry, ok := users[pr.UserID]
	if !ok {
		return
	}
	if _, ok := entry.conns[s.ID()]; !ok {
		return
	}
	delete(entry.conns, s.ID())
	if len(entry.conns) > 0 {
		return
	}
	delete(users, pr.UserID)
	if len(users) == 0 {
		delete(p.boards, boardID)
	}
	p.announce(boardID, domain.UserLeft, domain.UserLeftPayload{BoardID: boardID, UserID: pr.UserID}, s.ID())
}

// DropBoard forgets every viewer of boardID without announcing anything.
// The board's subscribers are already gone when it runs.
func (p *Presence) DropBoard(boardID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.boards[boardID]; !ok {
		return
	}
	delete(p.boards, boardID)
	p.log.WithField("board", boardID).Debug("presence dropped for deleted board")
}

// Viewers returns the presence set of boardID ordered by join time.
func (p *Presence) Viewers(boardID string) []domain.Viewer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewers(boardID)
}

func (p *Presence) viewers(boardID string) []domain.Viewer {
	entries := make([]*presenceEntry, 0, len(p.boards[boardID]))
	for _, e := range p.boards[boardID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Viewer, len(entries))
	for i, e := range entries {
		out[i] = e.viewer
	}
	return out
}

func (p *Presence) announce(boardID string, kind domain.EventKind, payload any, except string) {
	frame, err := p.encode(kind, boardID, payload)
	if err != nil {
		p.log.WithField("board", boardID).WithError(err).Error("encode presence frame")
		return
	}
	p.hub.BroadcastExcept(boardID, frame, except)
}

func (p *Presence) encode(kind domain.EventKind, boardID string, payload any) ([]byte, error) {
	f, err := domain.NewFrame(kind, boardID, payload)
	if err != nil {
		return nil, err
	}
	return domain.EncodeFrame(f)
}
