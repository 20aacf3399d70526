package websocket

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/auth"
	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/presence"
)

const presenceTimeout = 5 * time.Second

// HandlerConfig carries the collaborators every session shares.
type HandlerConfig struct {
	Broker     broker.MessageBroker
	Authorizer Authorizer
	Resolver   auth.Resolver
	// Presence is optional.
	Presence presence.Tracker
	Options  Options
	// AllowedOrigins restricts the Origin header of browser upgrades. Empty
	// allows every origin.
	AllowedOrigins []string
}

type Handler struct {
	manager  *ClientManager
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(manager *ClientManager, cfg HandlerConfig) *Handler {
	if cfg.Presence == nil {
		cfg.Presence = presence.Nop{}
	}
	h := &Handler{
		manager: manager,
		cfg:     cfg,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// HandleWebSocket upgrades the request and serves the session until it ends.
// Requests without a valid credential are still upgraded; such sessions have
// no identity and every SUB fails authorization.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, authenticated := h.cfg.Resolver.Resolve(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	session := NewClientSession(conn, identity, h.cfg.Broker, h.cfg.Authorizer, h.cfg.Options)
	if !h.manager.AddClient(session) {
		_ = session.Close(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer h.manager.RemoveClient(session.ID)

	log.Info("session opened",
		zap.String("session", session.ID),
		zap.String("identity", identity),
		zap.Bool("authenticated", authenticated),
		zap.String("remote", r.RemoteAddr))

	if authenticated {
		h.trackPresence(identity, h.cfg.Presence.Connected)
		defer h.trackPresence(identity, h.cfg.Presence.Disconnected)
	}

	err = session.Run(context.Background())
	if isExpectedClose(err) {
		log.Info("session closed", zap.String("session", session.ID), zap.String("identity", identity))
	} else {
		log.Info("session closed", zap.String("session", session.ID), zap.String("identity", identity), zap.Error(err))
	}
}

func (h *Handler) trackPresence(identity string, fn func(context.Context, string)) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	fn(ctx, identity)
}

func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
