package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

const (
	driverRedis = "redis"

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second

	receiveTimeout = 30 * time.Second
	commandTimeout = 5 * time.Second
)

// RedisBroker implements MessageBroker using Redis pub/sub. All subscriptions
// of the process share one PubSub connection: the first local subscriber of a
// channel issues SUBSCRIBE, the last one to leave issues UNSUBSCRIBE, and a
// single receive loop fans payloads out to the local subscriptions.
type RedisBroker struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	pending subscribeWaiters
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBroker creates a new Redis message broker
func NewRedisBroker(opts *redis.Options) (*RedisBroker, error) {
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisBroker(client), nil
}

func newRedisBroker(client *redis.Client) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		client:  client,
		pubsub:  client.Subscribe(ctx),
		subs:    make(map[string]map[*subscription]struct{}),
		pending: newSubscribeWaiters(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.receiveLoop()
	return b
}

// Client exposes the underlying connection pool for components that share it.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}

// Publish sends a payload to the specified channel with retry capability
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	operation := func() error {
		return b.client.Publish(ctx, channel, payload).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Warn("retrying redis publish",
			zap.String("channel", channel), zap.Error(err), zap.Duration("next_attempt", d))
	})
	metrics.ObservePublish(driverRedis, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := newSubscription(channel, driverRedis)
	sub.release = func() { b.remove(channel, sub) }

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}

	set, live := b.subs[channel]
	if !live {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
		b.pending.sent(channel)

		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			delete(b.subs, channel)
			b.pending.failed(channel)
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}
	set[sub] = struct{}{}
	ready := b.pending.waiter(channel)
	b.mu.Unlock()

	if ready == nil {
		return sub, nil
	}

	select {
	case <-ready:
		b.mu.RLock()
		closed := b.closed
		b.mu.RUnlock()
		if closed {
			return nil, ErrClosed
		}
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, ctx.Err())
	case <-b.done:
		_ = sub.Close()
		return nil, ErrClosed
	}
}

// remove detaches sub. SUBSCRIBE and UNSUBSCRIBE are written while holding
// mu so the order on the wire always matches the subscription table.
func (b *RedisBroker) remove(channel string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) > 0 {
		return
	}

	delete(b.subs, channel)
	b.pending.abandon(channel)
	if b.closed {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		log.Warn("redis unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (b *RedisBroker) receiveLoop() {
	defer close(b.done)

	retry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialBackoff),
		backoff.WithMaxInterval(maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		msg, err := b.pubsub.ReceiveTimeout(b.ctx, receiveTimeout)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				_ = b.pubsub.Ping(b.ctx)
				continue
			}

			wait := retry.NextBackOff()
			log.Warn("redis receive failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
			case <-b.ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			b.dispatch(m.Channel, []byte(m.Payload))
		case *redis.Pong:
		default:
			log.Debug("unexpected pubsub reply", zap.Any("reply", m))
		}
	}
}

func (b *RedisBroker) confirm(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.confirm(channel)
}

func (b *RedisBroker) dispatch(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[channel] {
		s.deliver(payload)
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases every subscription, stops the receive loop and closes the
// connection pool.
func (b *RedisBroker) Close() error {
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
	b.pending.closeAll()
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}

	b.cancel()
	err := b.pubsub.Close()
	<-b.done

	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// subscribeWaiters pairs "subscribe" replies with the SUBSCRIBE commands
// that caused them. Replies arrive in command order, so a channel's waiter is
// released only by the reply to the last SUBSCRIBE sent for it; replies to
// earlier, abandoned commands are only counted. Callers hold RedisBroker.mu.
type subscribeWaiters struct {
	replies map[string]int
	waiters map[string]chan struct{}
}

func newSubscribeWaiters() subscribeWaiters {
	return subscribeWaiters{
		replies: make(map[string]int),
		waiters: make(map[string]chan struct{}),
	}
}

// sent records a SUBSCRIBE for channel and opens a waiter if none exists.
func (w subscribeWaiters) sent(channel string) {
	w.replies[channel]++
	if _, ok := w.waiters[channel]; !ok {
		w.waiters[channel] = make(chan struct{})
	}
}

// failed undoes sent for a command that never reached the wire.
func (w subscribeWaiters) failed(channel string) {
	if n := w.replies[channel]; n > 1 {
		w.replies[channel] = n - 1
		return
	}
	delete(w.replies, channel)
	w.abandon(channel)
}

// waiter returns the channel closed on confirmation, or nil when the channel
// is already confirmed.
func (w subscribeWaiters) waiter(channel string) chan struct{} {
	return w.waiters[channel]
}

// abandon releases the current waiter. Its replies stay outstanding.
func (w subscribeWaiters) abandon(channel string) {
	if ready, ok := w.waiters[channel]; ok {
		close(ready)
		delete(w.waiters, channel)
	}
}

func (w subscribeWaiters) confirm(channel string) {
	if n := w.replies[channel]; n > 1 {
		w.replies[channel] = n - 1
		return
	}
	delete(w.replies, channel)
	w.abandon(channel)
}

func (w subscribeWaiters) closeAll() {
	for channel := range w.waiters {
		w.abandon(channel)
	}
	clear(w.replies)
}

var _ MessageBroker = (*RedisBroker)(nil)
