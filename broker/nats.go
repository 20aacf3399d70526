package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

const driverNATS = "nats"

type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBroker implements MessageBroker on core NATS subjects. Core NATS keeps
// no history, which matches the live-feed semantics of the gateway.
type NATSBroker struct {
	nc     *nats.Conn
	prefix string
	done   chan struct{}

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewNATSBroker(cfg NATSConfig) (*NATSBroker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	done := make(chan struct{})
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(done) }),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}
	return &NATSBroker{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		done:   done,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// subjectFor maps a channel name onto a NATS subject. Bytes that carry
// meaning in subjects are percent-encoded so the mapping stays one-to-one.
func subjectFor(prefix, channel string) string {
	var sb strings.Builder
	if prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte('.')
	}
	for i := 0; i < len(channel); i++ {
		c := channel[i]
		switch c {
		case '%', '.', '*', '>', ' ', '\t', '\r', '\n':
			fmt.Fprintf(&sb, "%%%02X", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (b *NATSBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		metrics.ObservePublish(driverNATS, ErrClosed)
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.ObservePublish(driverNATS, err)
		return err
	}
	err := b.nc.Publish(subjectFor(b.prefix, channel), payload)
	metrics.ObservePublish(driverNATS, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := newSubscription(channel, driverNATS)

	b.mu.Lock()
	if b.closed || b.nc.IsClosed() || b.nc.IsDraining() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ns, err := b.nc.Subscribe(subjectFor(b.prefix, channel), func(m *nats.Msg) {
		sub.deliver(m.Data)
	})
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	sub.release = func() {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrConnectionDraining) {
			log.Warn("nats unsubscribe failed", zap.String("channel", channel), zap.Error(err))
		}
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// The server has registered the interest once the flush round-trip returns.
	if err := b.flush(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return sub, nil
}

func (b *NATSBroker) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats status %v", b.nc.Status())
	}
	return b.flush(ctx)
}

// flush bounds the round-trip; nats refuses contexts without a deadline.
func (b *NATSBroker) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, commandTimeout)
		defer cancel()
	}
	return b.nc.FlushWithContext(ctx)
}

func (b *NATSBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close releases every subscription, then drains the connection so pending
// publishes reach the server before it closes.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		all = append(all, s)
	}
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}

	if b.nc.IsClosed() {
		return nil
	}
	err := b.nc.Drain()
	if errors.Is(err, nats.ErrConnectionReconnecting) || errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	select {
	case <-b.done:
	case <-time.After(commandTimeout):
		b.nc.Close()
	}
	return err
}

var _ MessageBroker = (*NATSBroker)(nil)
