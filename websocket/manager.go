package websocket

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/metrics"
)

// ClientManager tracks live sessions so shutdown can close them; hijacked
// websocket connections are invisible to http.Server.Shutdown.
type ClientManager struct {
	clients sync.Map
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: sync.Map{},
	}
}

// AddClient registers session. It returns false once CloseAllConnections
// has started; the caller must then close the session itself.
func (m *ClientManager) AddClient(session *ClientSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return false
	}
	m.wg.Add(1)
	m.clients.Store(session.ID, session)
	metrics.SessionsActive.Inc()
	return true
}

// RemoveClient must be called exactly once for every accepted AddClient.
func (m *ClientManager) RemoveClient(sessionID string) {
	if _, ok := m.clients.LoadAndDelete(sessionID); ok {
		metrics.SessionsActive.Dec()
		m.wg.Done()
	}
}

func (m *ClientManager) GetClient(sessionID string) (*ClientSession, bool) {
	if client, ok := m.clients.Load(sessionID); ok {
		return client.(*ClientSession), true
	}
	return nil, false
}

func (m *ClientManager) Count() int {
	n := 0
	m.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// WaitForCompletion blocks until every registered session has been removed.
func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

// CloseAllConnections sends a going-away close to every session and refuses
// new ones.
func (m *ClientManager) CloseAllConnections(reason string) {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.clients.Range(func(key, value any) bool {
		session := value.(*ClientSession)

		log.Info("closing connection",
			zap.String("session", key.(string)),
			zap.String("identity", session.Identity),
			zap.String("reason", reason))
		_ = session.Close(websocket.CloseGoingAway, reason)

		return true
	})
}
