package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Hiviexd/kanban-board/domain"

// Service owns every board mutation. Each one runs inside a single board
// transaction and emits exactly one change event once that transaction has
// committed.
type Service struct {
	store        Store
	authz        Authorizer
	emitter      *Emitter
	log          *log.Logger
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() string
	applyTimeout time.Duration
}

type Option func(*Service)

func WithAuthorizer(a Authorizer) Option { return func(s *Service) { s.authz = a } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() string) Option { return func(s *Service) { s.newID = newID } }

func WithLogger(l *log.Logger) Option { return func(s *Service) { s.log = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

func NewService(store Store, emitter *Emitter, opts ...Option) *Service {
	s := &Service{
		store:        store,
		authz:        BoardAuthorizer{Boards: store},
		emitter:      emitter,
		log:          log.StandardLogger(),
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
		newID:        uuid.NewString,
		applyTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Authorize checks op for p on boardID and returns the caller-facing error.
func (s *Service) Authorize(ctx context.Context, p Principal, boardID string, op Operation) error {
	return authorize(ctx, s.authz, p, boardID, op)
}

// apply runs fn in a board transaction. Once started it is not cancelled by
// the caller going away; only the apply timeout bounds it.
func (s *Service) apply(ctx context.Context, boardID string, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.applyTimeout)
	defer cancel()
	return storageFailure(s.store.WithinBoard(ctx, boardID, fn))
}

func (s *Service) emit(ctx context.Context, ev ChangeEvent, err error) {
	if err != nil {
		s.log.WithFields(log.Fields{"board": ev.BoardID, "kind": ev.Kind}).WithError(err).Error("build change event")
		return
	}
	s.emitter.Emit(ctx, ev)
}

func (s *Service) stamp() time.Time {
	return s.now().UTC()
}
