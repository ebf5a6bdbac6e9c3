package broker

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var emittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "broker_emitted_total",
	Help: "Messages emitted by pattern",
}, []string{"pattern"})

var emitErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "broker_emit_errors_total",
	Help: "Publish failures by pattern",
}, []string{"pattern"})

// Emitter delivers outbound events to the queue their pattern routes to.
// Emission is fire-and-forget at the call site: publish errors are logged
// and counted, never returned to the emit site.
type Emitter interface {
	Emit(ctx context.Context, p Pattern, payload any)
}

// LogEmitter is the standalone fallback when no broker transport is
// configured: envelopes are logged and dropped.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter(log *slog.Logger) *LogEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(ctx context.Context, p Pattern, payload any) {
	q, ok := QueueFor(p)
	if !ok {
		e.log.Error("emit of unknown pattern", "pattern", p)
		return
	}
	emittedCounter.WithLabelValues(string(p)).Inc()
	e.log.Debug("broker emit (no transport)", "pattern", p, "queue", q)
}
