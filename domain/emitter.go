package domain

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sink receives committed change events. A failing sink never reverses the
// mutation that produced the event.
type Sink interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

type SinkFunc func(ctx context.Context, ev ChangeEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev ChangeEvent) error { return f(ctx, ev) }

// Emitter hands each event to every sink exactly once, in registration
// order. Failures are logged and dropped.
type Emitter struct {
	sinks   []Sink
	log     *log.Logger
	timeout time.Duration
}

func NewEmitter(logger *log.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Emitter{sinks: sinks, log: logger, timeout: 5 * time.Second}
}

func (e *Emitter) Add(s Sink) {
	e.sinks = append(e.sinks, s)
}

func (e *Emitter) Emit(ctx context.Context, ev ChangeEvent) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	for _, s := range e.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			e.log.WithFields(log.Fields{
				"board":   ev.BoardID,
				"kind":    ev.Kind,
				"subject": ev.SubjectID,
			}).WithError(err).Warn("change event sink failed")
		}
	}
}
