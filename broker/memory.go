package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

const driverMemory = "memory"

// MemoryBroker is an in-process pub/sub for tests and single-instance
// deployments. It does not reach other gateway instances.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*subscription]struct{})}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if ctx == nil {
		return errors.New("publish context is nil")
	}
	if err := ctx.Err(); err != nil {
		metrics.ObservePublish(driverMemory, err)
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		metrics.ObservePublish(driverMemory, ErrClosed)
		return ErrClosed
	}
	for s := range b.subs[channel] {
		s.deliver(payload)
	}
	metrics.ObservePublish(driverMemory, nil)
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newSubscription(channel, driverMemory)
	sub.release = func() { b.remove(channel, sub) }

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	set := b.subs[channel]
	if set == nil {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) remove(channel string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, channel)
	}
}

// SubscriberCount reports the live subscriptions on channel.
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// ChannelCount reports the channels with at least one subscription.
func (b *MemoryBroker) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

var _ MessageBroker = (*MemoryBroker)(nil)
