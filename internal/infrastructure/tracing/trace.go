package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/termhost/internal/shared/id"
)

// TraceID identifies one request across logs and response headers.
type TraceID string

// Span records one handled request.
type Span struct {
	TraceID   TraceID
	Name      string
	Method    string
	Status    int
	StartTime time.Time
	Duration  time.Duration
	Error     error
}

// Tracer collects finished spans and logs them off the request path.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a tracer and starts its collector.
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		service: service,
		logger:  logger,
		spans:   make(chan *Span, 1000),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.collectSpans()
	return t
}

// StartSpan begins a span, reusing the trace ID already in ctx if any.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := FromContext(ctx)
	if traceID == "" {
		traceID = TraceID(id.NewRequestID())
	}
	span := &Span{
		TraceID:   traceID,
		Name:      name,
		StartTime: time.Now(),
	}
	return span, WithTraceID(ctx, traceID)
}

// Finish marks the span as complete
func (s *Span) Finish() {
	s.Duration = time.Since(s.StartTime)
}

// Submit hands a finished span to the collector. Spans are dropped when
// the buffer is full or the tracer is closed.
func (t *Tracer) Submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span", zap.String("trace_id", string(span.TraceID)))
	}
}

// Close stops the collector after logging buffered spans.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() { close(t.done) })
	<-t.stopped
}

func (t *Tracer) collectSpans() {
	defer close(t.stopped)
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("operation", span.Name),
		zap.String("method", span.Method),
		zap.Int("status", span.Status),
		zap.Duration("duration", span.Duration),
		zap.String("service", t.service),
	}

	switch {
	case span.Error != nil:
		t.logger.Error("request failed", append(fields, zap.Error(span.Error))...)
	case span.Status >= 500:
		t.logger.Warn("request completed", fields...)
	default:
		t.logger.Debug("request completed", fields...)
	}
}

type contextKey struct{}

// WithTraceID returns ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID TraceID) context.Context {
	return context.WithValue(ctx, contextKey{}, traceID)
}

// FromContext returns the trace ID in ctx, or "".
func FromContext(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(contextKey{}).(TraceID)
	return traceID
}

// Field is a zap field carrying the trace ID in ctx.
func Field(ctx context.Context) zap.Field {
	return zap.String("trace_id", string(FromContext(ctx)))
}
