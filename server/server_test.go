package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BevzyukIvan/JSocialFlux/access"
	"github.com/BevzyukIvan/JSocialFlux/auth"
	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *broker.MemoryBroker, *websocket.ClientManager, *Server) {
	t.Helper()

	bus := broker.NewMemoryBroker()
	dir := access.NewMemoryDirectory()
	dir.AddUser("alice", 1)
	dir.AddParticipant(99, 1)

	manager := websocket.NewClientManager()
	handler := websocket.NewHandler(manager, websocket.HandlerConfig{
		Broker:     bus,
		Authorizer: access.NewAuthorizer(dir),
		Resolver:   auth.Static("alice"),
		Options:    websocket.DefaultOptions(),
	})

	srv := NewServer(":0", handler.HandleWebSocket, bus)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		manager.CloseAllConnections("test finished")
		ts.Close()
		_ = bus.Close()
	})
	return ts, bus, manager, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	ts, bus, _, _ := newTestServer(t)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	require.NoError(t, bus.Close())
	code, body = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"unavailable"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "realtime_sessions_active")
}

func TestWebSocketRoute(t *testing.T) {
	ts, bus, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"SUB","channel":"chat:99"}`)))
	require.Eventually(t, func() bool { return bus.SubscriberCount("chat:99") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "chat:99", []byte(`{"id":7}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"id":7}`, string(data))
}

func TestShutdownClosesSessions(t *testing.T) {
	ts, bus, manager, srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"SUB","channel":"chat:99"}`)))
	require.Eventually(t, func() bool { return bus.SubscriberCount("chat:99") == 1 }, 2*time.Second, 5*time.Millisecond)

	// The HTTP listener belongs to httptest; Shutdown on an unstarted
	// http.Server returns immediately.
	srv.Shutdown(2*time.Second, manager, bus)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway), "got %v", err)
	assert.Zero(t, manager.Count())
	assert.Zero(t, bus.ChannelCount())
	assert.ErrorIs(t, bus.Ping(context.Background()), broker.ErrClosed)
}
