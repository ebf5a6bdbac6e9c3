package jetstream

import (
	"sync"
	"sync/atomic"
)

// Subscription is one consumer of the post stream. The stream is hot: a
// subscriber that cannot keep up has events dropped (counted) rather than
// blocking the ingest loop.
type Subscription struct {
	ch      chan *PostEvent
	dropped atomic.Int64

	once   sync.Once
	closed chan struct{}
	parent *Stream
	id     int
}

// Events returns the subscriber's channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan *PostEvent {
	return s.ch
}

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the stream.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.parent.remove(s.id)
	})
}

// Stream broadcasts post events to any number of subscribers with
// per-subscriber buffers. Publishing never blocks.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Stream{
		subs:   make(map[int]*Subscription),
		buffer: buffer,
	}
}

func (f *Stream) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription{
		ch:     make(chan *PostEvent, f.buffer),
		closed: make(chan struct{}),
		parent: f,
		id:     f.nextID,
	}
	f.subs[f.nextID] = sub
	f.nextID++
	return sub
}

func (f *Stream) remove(id int) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans ev out to every subscriber without blocking; full buffers
// drop and count.
func (f *Stream) Publish(ev *PostEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			droppedEventsCounter.Inc()
		}
	}
}

// Len reports the number of live subscriptions.
func (f *Stream) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
