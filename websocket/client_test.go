package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BevzyukIvan/JSocialFlux/access"
	"github.com/BevzyukIvan/JSocialFlux/auth"
	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/realtime"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var testSecret = []byte("test-secret")

type gateway struct {
	srv     *httptest.Server
	broker  *broker.MemoryBroker
	dir     *access.MemoryDirectory
	manager *ClientManager
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.CommandRate = 0
	return opts
}

// newGateway serves a handler backed by an in-memory bus and directory.
// alice(1) is in chat:99 and chats 100-199; bob(2) is in chat:99 and chat:1.
func newGateway(t *testing.T, opts Options, configure ...func(*HandlerConfig)) *gateway {
	t.Helper()

	b := broker.NewMemoryBroker()
	dir := access.NewMemoryDirectory()
	dir.AddUser("alice", 1)
	dir.AddUser("bob", 2)
	dir.AddParticipant(99, 1)
	dir.AddParticipant(99, 2)
	dir.AddParticipant(1, 2)
	for id := int64(100); id < 200; id++ {
		dir.AddParticipant(id, 1)
	}

	cfg := HandlerConfig{
		Broker:     b,
		Authorizer: access.NewAuthorizer(dir),
		Resolver:   auth.NewJWTResolver(testSecret, "jwtToken", "token"),
		Options:    opts,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	manager := NewClientManager()
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(manager, cfg).HandleWebSocket))
	t.Cleanup(func() {
		manager.CloseAllConnections("test finished")
		srv.Close()
		_ = b.Close()
	})

	return &gateway{srv: srv, broker: b, dir: dir, manager: manager}
}

func (g *gateway) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	if user != "" {
		token, err := auth.IssueToken(testSecret, user, time.Hour)
		require.NoError(t, err)
		url += "?token=" + token
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *gateway) publish(t *testing.T, channel, payload string) {
	t.Helper()
	require.NoError(t, g.broker.Publish(context.Background(), channel, []byte(payload)))
}

func (g *gateway) waitSubscribers(t *testing.T, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.broker.SubscriberCount(channel) == n }, waitFor, tick,
		"want %d subscribers on %s", n, channel)
}

func (g *gateway) waitNoChannels(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return g.broker.ChannelCount() == 0 }, waitFor, tick)
}

func subscribe(t *testing.T, b broker.MessageBroker, channel string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), channel)
	require.NoError(t, err)
	return sub
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func sendCommand(t *testing.T, conn *websocket.Conn, typ, channel string) {
	t.Helper()
	send(t, conn, fmt.Sprintf(`{"type":%q,"channel":%q}`, typ, channel))
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// roundTrip asserts the next frame is the reply to a fresh PING, which also
// means every command sent earlier has been read.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"type":"PING"}`)
	assert.Equal(t, string(pongFrame), readFrame(t, conn))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestPing(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	roundTrip(t, conn)

	send(t, conn, `{"type":" ping "}`)
	assert.Equal(t, `{"event":"PONG"}`, readFrame(t, conn))
}

func TestSubscribeIsIdempotent(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	sendCommand(t, conn, "SUB", "chat:99")
	roundTrip(t, conn)
	g.waitSubscribers(t, "chat:99", 1)

	for i := 0; i < 3; i++ {
		g.publish(t, "chat:99", fmt.Sprintf(`{"n":%d}`, i))
	}
	g.publish(t, "chat:99", `{"end":true}`)

	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), readFrame(t, conn))
	}
	assert.Equal(t, `{"end":true}`, readFrame(t, conn))
	assert.Equal(t, 1, g.broker.SubscriberCount("chat:99"))
}

func TestSubscriptionLimit(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	for id := 100; id < 164; id++ {
		sendCommand(t, conn, "SUB", fmt.Sprintf("chat:%d", id))
	}
	require.Eventually(t, func() bool { return g.broker.ChannelCount() == 64 }, waitFor, tick)

	sendCommand(t, conn, "SUB", "chat:164")
	expectClose(t, conn, websocket.ClosePolicyViolation)

	g.waitNoChannels(t)
	assert.Zero(t, g.broker.SubscriberCount("chat:164"))
}

func TestSubscribeDenied(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	g.waitSubscribers(t, "chat:99", 1)

	sendCommand(t, conn, "SUB", "chat:1")
	expectClose(t, conn, websocket.ClosePolicyViolation)

	g.waitNoChannels(t)
}

func TestPreviewOnlyForOwner(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "user:alice:preview")
	g.waitSubscribers(t, "user:alice:preview", 1)

	sendCommand(t, conn, "SUB", "user:bob:preview")
	expectClose(t, conn, websocket.ClosePolicyViolation)

	g.waitNoChannels(t)
}

func TestAnonymousSession(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "")

	roundTrip(t, conn)

	sendCommand(t, conn, "SUB", "user:alice:preview")
	expectClose(t, conn, websocket.ClosePolicyViolation)
	assert.Zero(t, g.broker.ChannelCount())
}

func TestAuthorizationErrorClosesSession(t *testing.T) {
	g := newGateway(t, testOptions(), func(cfg *HandlerConfig) {
		cfg.Authorizer = authorizerFunc(func(context.Context, string, string) error {
			return errors.New("directory unavailable")
		})
	})
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	expectClose(t, conn, websocket.ClosePolicyViolation)
	assert.Zero(t, g.broker.ChannelCount())
}

func TestMalformedInputIsIgnored(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	g.waitSubscribers(t, "chat:99", 1)

	for _, frame := range []string{
		`not json`,
		`[]`,
		`null`,
		`{"type":"FOO"}`,
		`{"type":"SUB"}`,
		`{"type":"SUB","channel":"bogus"}`,
		`{"type":"SUB","channel":"chat:01"}`,
		`{"type":"SUB","channel":"chat:-1"}`,
		`{"type":"SUB","channel":5}`,
		`{"type":"UNSUB","channel":"chat:5"}`,
		`{"type":"UNSUB","channel":"garbage"}`,
	} {
		send(t, conn, frame)
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00}))
	roundTrip(t, conn)

	g.publish(t, "chat:99", `{"id":1}`)
	assert.Equal(t, `{"id":1}`, readFrame(t, conn))
	assert.Equal(t, 1, g.broker.ChannelCount())
}

func TestPreviewSubscribeAndUnsubscribe(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")
	events := realtime.NewPublisher(g.broker)
	ctx := context.Background()

	sendCommand(t, conn, "SUB", "user:alice:preview")
	g.waitSubscribers(t, "user:alice:preview", 1)

	require.NoError(t, events.UserChatPreview(ctx, "alice", realtime.ChatPreview{
		ChatID:      5,
		DisplayName: "bob",
		LastMessage: "hi",
	}))
	assert.JSONEq(t, `{"chatId":5,"displayName":"bob","isGroup":false,"lastMessage":"hi"}`, readFrame(t, conn))

	sendCommand(t, conn, "UNSUB", "user:alice:preview")
	g.waitSubscribers(t, "user:alice:preview", 0)

	require.NoError(t, events.UserChatPreview(ctx, "alice", realtime.ChatPreview{ChatID: 5}))
	roundTrip(t, conn)
}

func TestFanOutPreservesOrder(t *testing.T) {
	g := newGateway(t, testOptions())
	a := g.dial(t, "alice")
	b := g.dial(t, "bob")
	other := g.dial(t, "bob")

	sendCommand(t, a, "SUB", "chat:99")
	sendCommand(t, b, "SUB", "chat:99")
	sendCommand(t, other, "SUB", "chat:1")
	g.waitSubscribers(t, "chat:99", 2)
	g.waitSubscribers(t, "chat:1", 1)

	const n = 50
	for i := 0; i < n; i++ {
		g.publish(t, "chat:99", fmt.Sprint(i))
	}

	for _, conn := range []*websocket.Conn{a, b} {
		for i := 0; i < n; i++ {
			require.Equal(t, fmt.Sprint(i), readFrame(t, conn))
		}
	}
	roundTrip(t, other)
}

func TestTeardownReleasesSubscriptions(t *testing.T) {
	g := newGateway(t, testOptions())

	t.Run("abrupt", func(t *testing.T) {
		conn := g.dial(t, "alice")
		sendCommand(t, conn, "SUB", "chat:99")
		sendCommand(t, conn, "SUB", "user:alice:preview")
		require.Eventually(t, func() bool { return g.broker.ChannelCount() == 2 }, waitFor, tick)

		require.NoError(t, conn.Close())
		g.waitNoChannels(t)
	})

	t.Run("graceful", func(t *testing.T) {
		conn := g.dial(t, "bob")
		sendCommand(t, conn, "SUB", "chat:1")
		g.waitSubscribers(t, "chat:1", 1)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
		g.waitNoChannels(t)
	})

	require.Eventually(t, func() bool { return g.manager.Count() == 0 }, waitFor, tick)
}

func TestUnsubscribeWhileAuthorizing(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var subscribes atomic.Int32

	g := newGateway(t, testOptions(), func(cfg *HandlerConfig) {
		cfg.Authorizer = authorizerFunc(func(ctx context.Context, _, _ string) error {
			close(entered)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		cfg.Broker = countingBroker{MessageBroker: cfg.Broker, subscribes: &subscribes}
	})
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	<-entered
	sendCommand(t, conn, "UNSUB", "chat:99")
	roundTrip(t, conn)
	close(release)

	require.Eventually(t, func() bool {
		return subscribes.Load() == 1 && g.broker.SubscriberCount("chat:99") == 0
	}, waitFor, tick)

	g.publish(t, "chat:99", `{"late":true}`)
	roundTrip(t, conn)
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	opts := testOptions()
	opts.OutboundBuffer = 16
	g := newGateway(t, opts)

	slow := g.dial(t, "alice")
	fast := g.dial(t, "bob")
	sendCommand(t, slow, "SUB", "chat:99")
	sendCommand(t, fast, "SUB", "chat:99")
	g.waitSubscribers(t, "chat:99", 2)

	start := time.Now()
	for i := 0; i < 200; i++ {
		g.publish(t, "chat:99", fmt.Sprint(i))
	}
	g.publish(t, "chat:99", "done")
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, fast.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := fast.ReadMessage()
		require.NoError(t, err)
		if string(data) == "done" {
			break
		}
	}
}

func TestStalledSubscribeFreesReservation(t *testing.T) {
	opts := testOptions()
	opts.SubscribeTimeout = 50 * time.Millisecond
	var calls atomic.Int32
	g := newGateway(t, opts, func(cfg *HandlerConfig) {
		cfg.Broker = stallingBroker{MessageBroker: cfg.Broker, calls: &calls}
	})
	conn := g.dial(t, "alice")

	sendCommand(t, conn, "SUB", "chat:99")
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, waitFor, tick)

	frame := []byte(`{"type":"SUB","channel":"chat:99"}`)
	require.Eventually(t, func() bool {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
		return g.broker.SubscriberCount("chat:99") == 1
	}, waitFor, 20*time.Millisecond)

	g.publish(t, "chat:99", `{"ok":true}`)
	assert.Equal(t, `{"ok":true}`, readFrame(t, conn))
}

func TestHeartbeat(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	g := newGateway(t, opts)
	conn := g.dial(t, "alice")

	assert.Equal(t, string(keepaliveFrame), readFrame(t, conn))
	assert.Equal(t, `{"event":"KEEPALIVE"}`, readFrame(t, conn))
}

func TestCommandRateLimit(t *testing.T) {
	opts := testOptions()
	opts.CommandRate = 1
	opts.CommandBurst = 2
	g := newGateway(t, opts)
	conn := g.dial(t, "alice")

	for i := 0; i < 3; i++ {
		send(t, conn, `{"type":"PING"}`)
	}
	assert.Equal(t, string(pongFrame), readFrame(t, conn))
	assert.Equal(t, string(pongFrame), readFrame(t, conn))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestIdleTimeout(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	g := newGateway(t, opts)
	conn := g.dial(t, "alice")

	expectClose(t, conn, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return g.manager.Count() == 0 }, waitFor, tick)
}

func TestCloseAllConnections(t *testing.T) {
	g := newGateway(t, testOptions())
	conn := g.dial(t, "alice")
	sendCommand(t, conn, "SUB", "chat:99")
	g.waitSubscribers(t, "chat:99", 1)

	g.manager.CloseAllConnections("server shutting down")
	expectClose(t, conn, websocket.CloseGoingAway)

	done := make(chan struct{})
	go func() {
		g.manager.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("sessions did not finish")
	}
	assert.Zero(t, g.broker.ChannelCount())

	late := g.dial(t, "bob")
	expectClose(t, late, websocket.CloseGoingAway)
}

func TestPresenceTracking(t *testing.T) {
	tracker := &recordingTracker{}
	g := newGateway(t, testOptions(), func(cfg *HandlerConfig) {
		cfg.Presence = tracker
	})

	conn := g.dial(t, "alice")
	roundTrip(t, conn)
	anon := g.dial(t, "")
	roundTrip(t, anon)
	assert.Equal(t, []string{"+alice"}, tracker.snapshot())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(tracker.snapshot()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"+alice", "-alice"}, tracker.snapshot())
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(NewClientManager(), HandlerConfig{AllowedOrigins: []string{"https://app.example"}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.checkOrigin(r), tt.origin)
	}

	open := NewHandler(NewClientManager(), HandlerConfig{})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, open.checkOrigin(r))
}

type authorizerFunc func(ctx context.Context, identity, channel string) error

func (f authorizerFunc) Authorize(ctx context.Context, identity, channel string) error {
	return f(ctx, identity, channel)
}

type countingBroker struct {
	broker.MessageBroker
	subscribes *atomic.Int32
}

func (b countingBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	sub, err := b.MessageBroker.Subscribe(ctx, channel)
	if err == nil {
		b.subscribes.Add(1)
	}
	return sub, err
}

// stallingBroker blocks the first Subscribe until its context ends.
type stallingBroker struct {
	broker.MessageBroker
	calls *atomic.Int32
}

func (b stallingBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	if b.calls.Add(1) == 1 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.MessageBroker.Subscribe(ctx, channel)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracker) Connected(_ context.Context, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "+"+identity)
}

func (r *recordingTracker) Disconnected(_ context.Context, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "-"+identity)
}

func (r *recordingTracker) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
