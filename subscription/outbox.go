package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

var errOutboxSaturated = errors.New("event outbox is saturated")

type OutboxConfig struct {
	BufferSize     int
	HandoffTimeout time.Duration
	SendTimeout    time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	// MaxAttempts bounds deliveries of one event; zero retries until Close.
	MaxAttempts int
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Outbox moves delivery to a slow sink off the request path. Events are
// handed to a single worker in commit order and retried with backoff; a
// full buffer fails Publish with ErrDeliveryFailure.
type Outbox struct {
	cfg    OutboxConfig
	sink   domain.Sink
	logger *log.Logger

	workCh   chan domain.ChangeEvent
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	mu      sync.Mutex
	closing bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type OutboxStats struct {
	Buffered  int    `json:"buffered"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func NewOutbox(sink domain.Sink, cfg OutboxConfig, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	o := &Outbox{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		workCh: make(chan domain.ChangeEvent, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
	o.workerWG.Add(1)
	go o.worker()
	return o
}

func (o *Outbox) Publish(_ context.Context, ev domain.ChangeEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return fmt.Errorf("%w: outbox closed", domain.ErrDeliveryFailure)
	}
	if o.cfg.HandoffTimeout == 0 {
		select {
		case o.workCh <- ev:
			return nil
		default:
			o.dropped.Add(1)
			return fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, errOutboxSaturated)
		}
	}
	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- ev:
		return nil
	case <-timer.C:
		o.dropped.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, errOutboxSaturated)
	}
}

func (o *Outbox) worker() {
	defer o.workerWG.Done()
	for ev := range o.workCh {
		o.deliver(ev)
	}
}

// deliver retries in place so later events never overtake an earlier one.
func (o *Outbox) deliver(ev domain.ChangeEvent) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
		err := o.sink.Publish(ctx, ev)
		cancel()
		if err == nil {
			o.delivered.Add(1)
			return
		}
		entry := o.logger.WithError(err).WithFields(log.Fields{
			"board":   ev.BoardID,
			"kind":    ev.Kind,
			"subject": ev.SubjectID,
			"attempt": attempt,
		})
		if o.cfg.MaxAttempts > 0 && attempt >= o.cfg.MaxAttempts {
			o.dropped.Add(1)
			entry.Error("event outbox giving up")
			return
		}
		entry.Warn("event outbox delivery failed")

		timer := time.NewTimer(exponentialBackoff(attempt, o.cfg.RetryInitial, o.cfg.RetryMax))
		select {
		case <-timer.C:
		case <-o.stopCh:
			timer.Stop()
			o.dropped.Add(1)
			entry.Error("event outbox closed before delivery")
			return
		}
	}
}

// Close stops accepting events and waits for the buffered ones. Events still
// failing once ctx is done are abandoned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	close(o.workCh)
	o.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		o.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		close(o.stopCh)
		<-drained
		return ctx.Err()
	}
}

func (o *Outbox) Stats() OutboxStats {
	return OutboxStats{
		Buffered:  len(o.workCh),
		Delivered: o.delivered.Load(),
		Dropped:   o.dropped.Load(),
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
