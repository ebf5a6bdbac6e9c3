package jetstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var firehoseCursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_cursor",
}, []string{"stage"})

var messagesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_messages_received_total",
	Help: "Total frames read from the jetstream websocket",
})

var postsProcessedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_posts_processed_total",
	Help: "Frames normalized into post events",
})

var parseErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_parse_errors_total",
	Help: "Frames dropped because they were not valid JSON events",
})

var reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_reconnects_total",
	Help: "Reconnect attempts scheduled after a lost connection",
})

var droppedEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jetstream_subscriber_dropped_total",
	Help: "Post events dropped because a subscriber buffer was full",
})
