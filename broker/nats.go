package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
)

const subjectRoot = "moodring"

// NATSBroker emits and consumes envelopes over NATS JetStream, one stream
// per destination queue. Publishes await the stream's ack so a message is
// committed to the transport before Emit returns.
type NATSBroker struct {
	nc  *nats.Conn
	js  natsjs.JetStream
	log *slog.Logger
}

func NewNATSBroker(ctx context.Context, url string, log *slog.Logger) (*NATSBroker, error) {
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: connect to nats at %s: %w", url, err)
	}

	js, err := natsjs.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: create jetstream context: %w", err)
	}

	b := &NATSBroker{nc: nc, js: js, log: log}
	if err := b.ensureStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func streamName(q Queue) string {
	return subjectRoot + "-" + string(q)
}

func subjectFor(q Queue, p Pattern) string {
	return subjectRoot + "." + string(q) + "." + string(p)
}

func (b *NATSBroker) ensureStreams(ctx context.Context) error {
	for _, q := range Queues() {
		cfg := natsjs.StreamConfig{
			Name:      streamName(q),
			Subjects:  []string{subjectRoot + "." + string(q) + ".>"},
			Storage:   natsjs.FileStorage,
			Retention: natsjs.WorkQueuePolicy,
			Discard:   natsjs.DiscardOld,
		}
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("broker: create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Emit publishes payload under its pattern's queue. Errors are surfaced
// through logs and counters only.
func (b *NATSBroker) Emit(ctx context.Context, p Pattern, payload any) {
	q, ok := QueueFor(p)
	if !ok {
		b.log.Error("emit of unknown pattern", "pattern", p)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		emitErrorsCounter.WithLabelValues(string(p)).Inc()
		b.log.Error("failed to marshal broker payload", "pattern", p, "error", err)
		return
	}

	if _, err := b.js.Publish(ctx, subjectFor(q, p), data); err != nil {
		emitErrorsCounter.WithLabelValues(string(p)).Inc()
		b.log.Error("failed to publish broker message",
			"pattern", p, "queue", q, "error", err)
		return
	}
	emittedCounter.WithLabelValues(string(p)).Inc()
}

// Handler processes one consumed message. The returned error drives the
// acknowledgment policy via Classify.
type Handler func(ctx context.Context, p Pattern, data []byte) error

// Consume attaches a durable consumer to a queue's stream. Successful
// handling acks; validation failures are terminated without requeue;
// transient failures are nacked for redelivery.
func (b *NATSBroker) Consume(ctx context.Context, q Queue, durable string, handler Handler) (func(), error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamName(q), natsjs.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		AckPolicy:     natsjs.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		FilterSubject: subjectRoot + "." + string(q) + ".>",
	})
	if err != nil {
		return nil, fmt.Errorf("broker: create consumer %s on %s: %w", durable, q, err)
	}

	cc, err := cons.Consume(func(msg natsjs.Msg) {
		pattern := Pattern(strings.TrimPrefix(msg.Subject(), subjectRoot+"."+string(q)+"."))

		err := handler(ctx, pattern, msg.Data())
		switch Classify(err) {
		case DispositionAck:
			if err := msg.Ack(); err != nil {
				b.log.Warn("failed to ack message", "pattern", pattern, "error", err)
			}
		case DispositionRequeue:
			b.log.Warn("transient failure handling message, requeueing",
				"pattern", pattern, "error", err)
			if err := msg.Nak(); err != nil {
				b.log.Warn("failed to nak message", "pattern", pattern, "error", err)
			}
		case DispositionDrop:
			b.log.Error("dropping message without requeue",
				"pattern", pattern, "error", err)
			if err := msg.Term(); err != nil {
				b.log.Warn("failed to terminate message", "pattern", pattern, "error", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("broker: start consuming %s: %w", q, err)
	}

	return cc.Stop, nil
}

func (b *NATSBroker) Close() {
	if err := b.nc.Drain(); err != nil {
		b.log.Warn("nats drain failed", "error", err)
		b.nc.Close()
	}
}
