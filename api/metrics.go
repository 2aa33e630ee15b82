package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hiviexd/kanban-board/domain"
)

type mutationMetrics struct {
	logger        *log.Logger
	route         string
	start         time.Time
	authDuration  time.Duration
	applyDuration time.Duration
	errorStage    string
	moveState     domain.MoveState
	traceID       string
	err           error
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, route string) *mutationMetrics {
	m := &mutationMetrics{logger: logger, route: route, start: time.Now()}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		m.traceID = sc.TraceID().String()
	}
	return m
}

func (m *mutationMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *mutationMetrics) ObserveApply(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.applyDuration = duration
}

func (m *mutationMetrics) SetMoveState(state domain.MoveState) {
	m.moveState = state
}

// Fail records where the request stopped and why.
func (m *mutationMetrics) Fail(stage string, err error) {
	if stage != "" {
		m.errorStage = stage
	}
	m.err = err
}

func (m *mutationMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	if err == nil {
		err = m.err
	}

	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.applyDuration > 0 {
		fields["apply_ms"] = durationToMillis(m.applyDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if m.moveState != "" {
		fields["move_state"] = m.moveState
	}
	if m.traceID != "" {
		fields["trace_id"] = m.traceID
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["error_kind"] = domain.Kind(err)
	}

	m.logger.WithFields(fields).Info("mutation.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
