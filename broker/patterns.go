// Package broker bounds the core's external communication to a closed set
// of named patterns, each routed statically to a destination queue with
// at-least-once semantics.
package broker

// Pattern is the routing key under which an outbound message is emitted.
type Pattern string

const (
	PatternJobStart                Pattern = "job.start"
	PatternJobCancel               Pattern = "job.cancel"
	PatternJobRawData              Pattern = "job.raw_data"
	PatternJobInitialBatchComplete Pattern = "job.initial_batch_complete"
	PatternJobIngestionComplete    Pattern = "job.ingestion_complete"
	PatternJobComplete             Pattern = "job.complete"
	PatternJobFailed               Pattern = "job.failed"
	PatternJobDataUpdate           Pattern = "job.data_update"
	PatternHealthCheck             Pattern = "health.check"
)

// Queue is a destination the broker delivers into.
type Queue string

const (
	QueueIngestion Queue = "ingestion"
	QueueAnalysis  Queue = "analysis"
	QueueGateway   Queue = "gateway"
)

// routes is the static pattern-to-queue table. It is total over the
// defined patterns.
var routes = map[Pattern]Queue{
	PatternJobStart:                QueueIngestion,
	PatternJobCancel:               QueueIngestion,
	PatternJobRawData:              QueueAnalysis,
	PatternJobInitialBatchComplete: QueueGateway,
	PatternJobIngestionComplete:    QueueAnalysis,
	PatternJobComplete:             QueueGateway,
	PatternJobFailed:               QueueGateway,
	PatternJobDataUpdate:           QueueGateway,
	PatternHealthCheck:             QueueGateway,
}

// QueueFor resolves the destination queue for a pattern.
func QueueFor(p Pattern) (Queue, bool) {
	q, ok := routes[p]
	return q, ok
}

// Patterns returns every defined pattern.
func Patterns() []Pattern {
	out := make([]Pattern, 0, len(routes))
	for p := range routes {
		out = append(out, p)
	}
	return out
}

// Queues returns every destination queue.
func Queues() []Queue {
	return []Queue{QueueIngestion, QueueAnalysis, QueueGateway}
}
