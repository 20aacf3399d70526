package broker

import (
	"sync"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

// subscriptionBuffer is the per-subscription queue between the transport
// dispatcher and the consumer. When it is full the newest payload is dropped
// so one slow consumer never stalls the dispatcher.
const subscriptionBuffer = 256

type subscription struct {
	channel string
	driver  string

	mu     sync.Mutex
	ch     chan []byte
	closed bool

	once    sync.Once
	release func()
}

func newSubscription(channel, driver string) *subscription {
	return &subscription{
		channel: channel,
		driver:  driver,
		ch:      make(chan []byte, subscriptionBuffer),
	}
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) C() <-chan []byte { return s.ch }

// deliver never blocks. It reports whether the payload was queued.
func (s *subscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- payload:
		return true
	default:
		metrics.BusDroppedTotal.WithLabelValues(s.driver).Inc()
		log.Debug("subscription buffer full, dropping payload")
		return false
	}
}

// Close detaches the subscription from its transport first so no new
// deliveries are routed to it, then closes C.
func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
