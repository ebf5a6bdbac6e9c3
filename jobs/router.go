package jobs

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/moodring/moodring/jetstream"
)

var tracer = otel.Tracer("jobs/router")

var matchesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "router_matches_total",
	Help: "Post events matched to a job",
})

var routedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "router_posts_total",
	Help: "Post events evaluated against the registry",
})

var slowConsumerCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "router_slow_consumer_dropped_total",
	Help: "Matches dropped because a job's delivery queue was full",
})

// Router evaluates each inbound post against every active job's compiled
// regex and hands matches to the jobs' delivery workers. One slow job
// never blocks the ingest loop or another job's delivery.
type Router struct {
	reg *Registry
	log *slog.Logger
}

func NewRouter(reg *Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{reg: reg, log: log}
}

// Route fans one post out to every matching job. Per-job ordering follows
// the firehose order; no cross-job ordering is promised.
func (r *Router) Route(ctx context.Context, ev *jetstream.PostEvent) {
	_, span := tracer.Start(ctx, "Route")
	defer span.End()

	routedCounter.Inc()

	for _, j := range r.reg.Active() {
		if !j.Regex.MatchString(ev.Text) {
			continue
		}

		j.matched.Add(1)
		matchesCounter.Inc()

		if !j.enqueue(ev) {
			slowConsumerCounter.Inc()
			if j.Dropped()%100 == 1 {
				r.log.Warn("dropping matches for slow job", "job", j.ID,
					"dropped", j.Dropped())
			}
		}
	}
}
