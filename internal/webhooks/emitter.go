package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/nudge/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter adapts a Dispatcher to the engine's event publisher.
// Publish is fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// Publish dispatches an engine event to matching subscriptions.
func (e *Emitter) Publish(eventType string, userID string, data any) {
	if e == nil || e.d == nil {
		return
	}
	et := EventType(eventType)
	if !et.Valid() {
		return
	}
	webhookEmitTotal.WithLabelValues(eventType).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      et,
		UserID:    userID,
		Timestamp: e.now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(eventType).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user_id", userID, "error", err)
	}
}
