package broker

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Sentinel causes consumers wrap handler errors in so the ack policy can
// classify them.
var (
	// ErrValidation marks malformed payloads, missing required fields,
	// and unknown jobs. Never retried.
	ErrValidation = errors.New("broker: validation failed")

	// ErrTransient marks temporary infrastructure failures worth a
	// redelivery.
	ErrTransient = errors.New("broker: transient failure")
)

// Disposition is the acknowledgment decision for a consumed message.
type Disposition int

const (
	// DispositionAck removes the message: handled successfully.
	DispositionAck Disposition = iota

	// DispositionRequeue redelivers later: transient infrastructure
	// failure.
	DispositionRequeue

	// DispositionDrop discards without redelivery: validation failures
	// and anything unclassified, to prevent poison-message loops.
	DispositionDrop
)

// Classify maps a handler error to its acknowledgment disposition.
func Classify(err error) Disposition {
	if err == nil {
		return DispositionAck
	}
	if errors.Is(err, ErrValidation) {
		return DispositionDrop
	}
	if errors.Is(err, ErrTransient) {
		return DispositionRequeue
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DispositionRequeue
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return DispositionRequeue
	}

	return DispositionDrop
}
