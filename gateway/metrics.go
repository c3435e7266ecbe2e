package gateway

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "board-stream/gateway"
	mutationSpanName    = "gateway.mutation"
	mutationEventName   = "board.mutation"
	mutationEventDomain = "board-stream"
)

type mutationMetrics struct {
	logger           *log.Logger
	span             trace.Span
	start            time.Time
	mutation         Mutation
	orderingDuration time.Duration
	publishDuration  time.Duration
	attempts         int
	updates          int
	recipients       int
	failed           int
	inconsistent     bool
	duplicate        bool
	errorStage       string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, m Mutation) (*mutationMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, mutationSpanName, trace.WithSpanKind(trace.SpanKindInternal))
	return &mutationMetrics{
		logger:   logger,
		span:     span,
		start:    time.Now(),
		mutation: m,
	}, spanCtx
}

func (m *mutationMetrics) ObserveOrdering(d time.Duration, attempts, updates int) {
	m.orderingDuration = d
	m.attempts = attempts
	m.updates = updates
}

func (m *mutationMetrics) ObservePublish(d time.Duration, recipients, failed int) {
	m.publishDuration = d
	m.recipients = recipients
	m.failed = failed
}

func (m *mutationMetrics) SetInconsistent() { m.inconsistent = true }

func (m *mutationMetrics) SetDuplicate() { m.duplicate = true }

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and mirrors it as an observability.event log entry.
func (m *mutationMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	attrs := []attribute.KeyValue{
		attribute.String("board.mutation.type", string(m.mutation.Flavor)),
		attribute.String("board.mutation.action", string(m.mutation.Action)),
		attribute.String("board.id", m.mutation.BoardID),
		attribute.Int("board.mutation.status", status),
		attribute.Float64("board.mutation.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("board.mutation.updates", m.updates),
		attribute.Int("board.mutation.recipients", m.recipients),
		attribute.Int("board.mutation.failed_deliveries", m.failed),
		attribute.Bool("board.mutation.inconsistent", m.inconsistent),
		attribute.Bool("board.mutation.duplicate", m.duplicate),
	}
	if m.attempts > 0 {
		attrs = append(attrs,
			attribute.Int("board.mutation.attempts", m.attempts),
			attribute.Float64("board.mutation.ordering_ms", durationToMillis(m.orderingDuration)),
		)
	}
	if m.publishDuration > 0 {
		attrs = append(attrs, attribute.Float64("board.mutation.publish_ms", durationToMillis(m.publishDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("board.mutation.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", mutationEventName),
		attribute.String("event.domain", mutationEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	if err != nil || status >= http.StatusInternalServerError {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	logged := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		logged[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      mutationEventName,
		"event.domain":    mutationEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      logged,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil && status < http.StatusBadRequest, status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
