package websocket

import (
	"sync"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

// outbox is the bounded queue between a session's producers (bus forwarders,
// PONG replies, heartbeats) and its single writer. Producers never block:
// when the queue is full the oldest frame is dropped to make room. The frame
// the writer is sending counts toward the limit until it is acked.
type outbox struct {
	mu       sync.Mutex
	frames   [][]byte
	limit    int
	inflight int
	closed   bool

	ready chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		frames: make([][]byte, 0, limit),
		limit:  limit,
		ready:  make(chan struct{}, 1),
	}
}

// push queues frame and reports whether an older frame was shed for it.
// Frames pushed after close are discarded.
func (o *outbox) push(frame []byte) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if len(o.frames) > 0 && len(o.frames)+o.inflight >= o.limit {
		o.frames[0] = nil
		o.frames = o.frames[1:]
		dropped = true
		metrics.IncOutboundDrop("overflow")
	}
	o.frames = append(o.frames, frame)

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Ready is signalled after a push; pop may still find the queue empty if
// the writer already took the frames.
func (o *outbox) Ready() <-chan struct{} {
	return o.ready
}

// pop hands the oldest frame to the writer, which must ack it once sent.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	o.inflight = 1
	return frame, true
}

func (o *outbox) ack() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight = 0
}

// Len counts undelivered frames, including one in flight.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames) + o.inflight
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.inflight = 0
	if n := len(o.frames); n > 0 {
		metrics.OutboundDroppedTotal.WithLabelValues("closed").Add(float64(n))
	}
	o.frames = nil
}
