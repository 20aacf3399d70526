package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BevzyukIvan/JSocialFlux/access"
	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/channels"
	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

const (
	// maxPendingSubscribes bounds concurrent authorize+subscribe work per
	// session. The read loop waits when it is reached.
	maxPendingSubscribes = 8

	activityCheckInterval = 10 * time.Second
)

var errIdleTimeout = errors.New("idle timeout")

// Authorizer decides whether identity may subscribe to channel. A nil error
// approves; any error rejects the subscription and closes the session.
type Authorizer interface {
	Authorize(ctx context.Context, identity, channel string) error
}

// Options bounds the resources of one session.
type Options struct {
	MaxSubscriptions  int
	OutboundBuffer    int
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
	// SubscribeTimeout bounds the bus subscribe of one SUB. Zero falls back
	// to WriteWait.
	SubscribeTimeout time.Duration
	// IdleTimeout closes sessions that show no inbound activity (frames or
	// pongs) for this long. Zero disables it.
	IdleTimeout time.Duration
	ReadLimit   int64
	// CommandRate limits inbound commands per second; excess commands are
	// dropped. Zero disables the limit.
	CommandRate  float64
	CommandBurst int
}

func DefaultOptions() Options {
	return Options{
		MaxSubscriptions:  64,
		OutboundBuffer:    512,
		HeartbeatInterval: 30 * time.Second,
		WriteWait:         5 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		ReadLimit:         4096,
		CommandRate:       50,
		CommandBurst:      100,
	}
}

// ClientSession multiplexes bus subscriptions onto one websocket
// connection. The identity is fixed at upgrade time; an empty identity is an
// unauthenticated session, which can PING but never pass authorization.
type ClientSession struct {
	ID       string
	Identity string

	conn   *websocket.Conn
	broker broker.MessageBroker
	authz  Authorizer
	opts   Options

	subs    *subscriptionTable
	out     *outbox
	limiter *rate.Limiter

	lastActivity int64 // UnixNano timestamp

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce    sync.Once
	teardownOnce sync.Once
	workers      errgroup.Group
	forwarders   sync.WaitGroup
}

func NewClientSession(conn *websocket.Conn, identity string, b broker.MessageBroker, authz Authorizer, opts Options) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ClientSession{
		ID:           uuid.NewString(),
		Identity:     identity,
		conn:         conn,
		broker:       b,
		authz:        authz,
		opts:         opts,
		subs:         newSubscriptionTable(opts.MaxSubscriptions),
		out:          newOutbox(opts.OutboundBuffer),
		lastActivity: time.Now().UnixNano(),
		ctx:          ctx,
		cancel:       cancel,
	}
	if opts.CommandRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), max(opts.CommandBurst, 1))
	}
	s.workers.SetLimit(maxPendingSubscribes)
	return s
}

func (s *ClientSession) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// SubscriptionCount reports the bus subscriptions currently held.
func (s *ClientSession) SubscriptionCount() int {
	return s.subs.active()
}

// Run serves the connection until the peer goes away, the session is closed
// or parent is cancelled. Every subscription is released before Run returns.
func (s *ClientSession) Run(parent context.Context) error {
	stop := context.AfterFunc(parent, s.cancel)
	defer stop()
	defer s.teardown()

	if s.opts.ReadLimit > 0 {
		s.conn.SetReadLimit(s.opts.ReadLimit)
	}
	s.conn.SetPongHandler(func(string) error {
		s.UpdateActivity()
		return nil
	})

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.heartbeat(ctx) })
	if s.opts.IdleTimeout > 0 {
		g.Go(func() error { return s.activityChecker(ctx) })
	}
	g.Go(func() error {
		// Unblocks the read loop.
		<-ctx.Done()
		_ = s.conn.Close()
		return nil
	})

	return g.Wait()
}

func (s *ClientSession) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.UpdateActivity()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.CommandsTotal.WithLabelValues("throttled").Inc()
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *ClientSession) handle(ctx context.Context, data []byte) {
	cmd, ok := parseCommand(data)
	if !ok {
		metrics.CommandsTotal.WithLabelValues("malformed").Inc()
		log.Debug("ignoring malformed frame", zap.String("session", s.ID), zap.Int("size", len(data)))
		return
	}

	switch cmd.Type {
	case CommandSub:
		metrics.CommandsTotal.WithLabelValues("sub").Inc()
		s.subscribe(ctx, cmd.Channel)
	case CommandUnsub:
		metrics.CommandsTotal.WithLabelValues("unsub").Inc()
		s.unsubscribe(cmd.Channel)
	case CommandPing:
		metrics.CommandsTotal.WithLabelValues("ping").Inc()
		s.out.push(pongFrame)
	default:
		metrics.CommandsTotal.WithLabelValues("unknown").Inc()
		log.Debug("ignoring unknown command", zap.String("session", s.ID), zap.String("type", cmd.Type))
	}
}

func (s *ClientSession) subscribe(ctx context.Context, raw string) {
	name, ok := channels.Parse(raw)
	if !ok {
		log.Debug("ignoring SUB for malformed channel", zap.String("session", s.ID), zap.String("channel", raw))
		return
	}
	channel := name.String()

	sl, res := s.subs.reserve(channel)
	switch res {
	case alreadyPresent, tableClosed:
		return
	case atCapacity:
		log.Info("subscription limit reached",
			zap.String("session", s.ID),
			zap.String("identity", s.Identity),
			zap.Int("limit", s.opts.MaxSubscriptions))
		s.closePolicy("subscription_limit", "subscription limit reached")
		return
	}

	s.workers.Go(func() error {
		s.open(ctx, channel, sl)
		return nil
	})
}

// open authorizes and subscribes a reserved channel. It runs off the read
// loop so a slow directory or bus does not stall PING and UNSUB handling.
func (s *ClientSession) open(ctx context.Context, channel string, sl *slot) {
	if err := s.authz.Authorize(ctx, s.Identity, channel); err != nil {
		s.subs.cancel(channel, sl)
		if ctx.Err() != nil {
			return
		}
		reason := "denied"
		if errors.Is(err, access.ErrDenied) {
			log.Info("subscription denied",
				zap.String("session", s.ID),
				zap.String("identity", s.Identity),
				zap.String("channel", channel),
				zap.Error(err))
		} else {
			reason = "authorization_error"
			log.Warn("authorization check failed",
				zap.String("session", s.ID),
				zap.String("channel", channel),
				zap.Error(err))
		}
		s.closePolicy(reason, "subscription not permitted")
		return
	}

	subCtx, cancel := context.WithTimeout(ctx, s.subscribeTimeout())
	sub, err := s.broker.Subscribe(subCtx, channel)
	cancel()
	if err != nil {
		s.subs.cancel(channel, sl)
		if ctx.Err() == nil {
			log.Warn("bus subscribe failed",
				zap.String("session", s.ID),
				zap.String("channel", channel),
				zap.Error(err))
		}
		return
	}

	if !s.subs.commit(channel, sl, sub) {
		// UNSUB or teardown won the race.
		_ = sub.Close()
		return
	}
	metrics.SubscriptionsActive.Inc()
	log.Debug("subscribed", zap.String("session", s.ID), zap.String("channel", channel))

	s.forwarders.Add(1)
	go s.forward(sub)
}

func (s *ClientSession) subscribeTimeout() time.Duration {
	if s.opts.SubscribeTimeout > 0 {
		return s.opts.SubscribeTimeout
	}
	return s.opts.WriteWait
}

// forward copies payloads verbatim into the outbox until sub is closed.
func (s *ClientSession) forward(sub broker.Subscription) {
	defer s.forwarders.Done()
	for payload := range sub.C() {
		s.out.push(payload)
	}
}

func (s *ClientSession) unsubscribe(raw string) {
	name, ok := channels.Parse(raw)
	if !ok {
		return
	}
	sub, ok := s.subs.remove(name.String())
	if !ok {
		return
	}
	if err := sub.Close(); err != nil {
		log.Warn("releasing subscription failed", zap.String("channel", sub.Channel()), zap.Error(err))
	}
	metrics.SubscriptionsActive.Dec()
	log.Debug("unsubscribed", zap.String("session", s.ID), zap.String("channel", sub.Channel()))
}

// writeLoop is the only writer of data frames on the connection. It takes
// one frame at a time so a blocked write never holds frames outside the
// outbox limit.
func (s *ClientSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.out.Ready():
			for {
				frame, ok := s.out.pop()
				if !ok {
					break
				}
				if err := s.write(frame); err != nil {
					return err
				}
				s.out.ack()
			}
		}
	}
}

func (s *ClientSession) write(frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// heartbeat queues KEEPALIVE frames; with an idle timeout it also sends
// protocol pings so quiet but live peers answer with pongs.
func (s *ClientSession) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.out.push(keepaliveFrame)
			if s.opts.IdleTimeout > 0 {
				_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ClientSession) activityChecker(ctx context.Context) error {
	ticker := time.NewTicker(max(min(s.opts.IdleTimeout/2, activityCheckInterval), time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > s.opts.IdleTimeout {
				log.Info("closing idle session", zap.String("session", s.ID), zap.String("identity", s.Identity))
				_ = s.Close(websocket.CloseNormalClosure, "idle timeout")
				return errIdleTimeout
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *ClientSession) closePolicy(reason, text string) {
	if s.ctx.Err() != nil {
		return
	}
	metrics.IncPolicyClose(reason)
	_ = s.Close(websocket.ClosePolicyViolation, text)
}

// Close sends a close frame with code and stops the session. Only the first
// call has any effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(s.opts.WriteWait),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.Debug("error sending close message", zap.String("session", s.ID), zap.Error(err))
		}
		s.cancel()
	})
	return err
}

func (s *ClientSession) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()

		released := s.subs.closeAll()
		for _, sub := range released {
			if err := sub.Close(); err != nil {
				log.Warn("releasing subscription failed", zap.String("channel", sub.Channel()), zap.Error(err))
			}
		}
		metrics.SubscriptionsActive.Sub(float64(len(released)))

		s.out.close()
		_ = s.workers.Wait()
		s.forwarders.Wait()
		_ = s.conn.Close()
	})
}
