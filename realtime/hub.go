package realtime

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

type hubMetrics struct {
	frames      *prometheus.CounterVec
	pruned      *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

func newHubMetrics(reg prometheus.Registerer) hubMetrics {
	f := promauto.With(reg)
	return hubMetrics{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kanban", Subsystem: "realtime", Name: "frames_sent_total",
			Help: "Frames queued to subscribers.",
		}, []string{"transport"}),
		pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kanban", Subsystem: "realtime", Name: "connections_pruned_total",
			Help: "Subscribers dropped after a failed delivery.",
		}, []string{"transport"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kanban", Subsystem: "realtime", Name: "subscriptions",
			Help: "Current board subscriptions.",
		}, []string{"transport"}),
	}
}

// Hub fans frames out to the subscribers of each board. Delivery is best
// effort: there is no replay and a subscriber that cannot take a frame is
// removed on the spot.
type Hub struct {
	mu      sync.RWMutex
	boards  map[string]map[string]Subscriber
	closed  []func(boardID string)
	log     *log.Logger
	metrics hubMetrics
}

// NewHub registers its metrics with reg. A nil reg uses a private registry.
func NewHub(logger *log.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Hub{boards: map[string]map[string]Subscriber{}, log: logger, metrics: newHubMetrics(reg)}
}

func (h *Hub) Subscribe(boardID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.boards[boardID]
	if !ok {
		subs = map[string]Subscriber{}
		h.boards[boardID] = subs
	}
	if _, dup := subs[s.ID()]; !dup {
		subs[s.ID()] = s
		h.metrics.connections.WithLabelValues(s.Transport()).Inc()
	}
}

// Subscribed reports whether s currently receives frames for boardID.
func (h *Hub) Subscribed(boardID string, s Subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.boards[boardID][s.ID()]
	return ok
}

// OnBoardClosed registers fn to run after a deleted board's subscribers
// have been dropped.
func (h *Hub) OnBoardClosed(fn func(boardID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, fn)
}

// Unsubscribe reports whether s was subscribed to boardID.
func (h *Hub) Unsubscribe(boardID string, s Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.boards[boardID]
	if !ok {
		return false
	}
	if _, ok := subs[s.ID()]; !ok {
		return false
	}
	delete(subs, s.ID())
	if len(subs) == 0 {
		delete(h.boards, boardID)
	}
	h.metrics.connections.WithLabelValues(s.Transport()).Dec()
	return true
}

func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Broadcast queues frame for every subscriber of boardID and returns how
// many took it.
func (h *Hub) Broadcast(boardID string, frame []byte) int {
	return h.BroadcastExcept(boardID, frame, "")
}

// BroadcastExcept is Broadcast skipping the connection with id except.
func (h *Hub) BroadcastExcept(boardID string, frame []byte, except string) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.boards[boardID]))
	for id, s := range h.boards[boardID] {
		if id != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if h.Deliver(boardID, s, frame) {
			delivered++
		}
	}
	return delivered
}

// Deliver sends frame to one subscriber, pruning it on failure.
func (h *Hub) Deliver(boardID string, s Subscriber, frame []byte) bool {
	if err := s.Send(frame); err != nil {
		h.prune(boardID, s, err)
		return false
	}
	h.metrics.frames.WithLabelValues(s.Transport()).Inc()
	return true
}

func (h *Hub) prune(boardID string, s Subscriber, err error) {
	h.Unsubscribe(boardID, s)
	s.Close()
	h.metrics.pruned.WithLabelValues(s.Transport()).Inc()
	h.log.WithFields(log.Fields{
		"board":     boardID,
		"conn":      s.ID(),
		"user":      s.Principal().UserID,
		"transport": s.Transport(),
	}).WithError(err).Warn("subscriber pruned")
}

// Publish encodes ev once and broadcasts it to the board. It satisfies
// domain.Sink.
func (h *Hub) Publish(_ context.Context, ev domain.ChangeEvent) error {
	frame, err := domain.EncodeFrame(ev.Frame())
	if err != nil {
		return err
	}
	n := h.Broadcast(ev.BoardID, frame)
	h.log.WithFields(log.Fields{"board": ev.BoardID, "kind": ev.Kind, "delivered": n}).Debug("event broadcast")
	if ev.Kind == domain.BoardDeleted {
		h.closeBoard(ev.BoardID)
	}
	return nil
}

// closeBoard drops every subscriber of a deleted board. SSE streams serve a
// single board, so they are closed as well.
func (h *Hub) closeBoard(boardID string) {
	h.mu.Lock()
	subs := h.boards[boardID]
	delete(h.boards, boardID)
	hooks := h.closed
	h.mu.Unlock()
	for _, s := range subs {
		h.metrics.connections.WithLabelValues(s.Transport()).Dec()
		if s.Transport() == TransportSSE {
			s.Close()
		}
	}
	for _, fn := range hooks {
		fn(boardID)
	}
}
