package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/logger"
	"github.com/BevzyukIvan/JSocialFlux/websocket"
)

const healthTimeout = 2 * time.Second

var log = logger.Named("server")

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
}

// NewServer mounts the websocket endpoint, Prometheus metrics and a health
// check that pings the bus.
func NewServer(addr string, wsHandler http.HandlerFunc, bus broker.MessageBroker) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Get("/ws", wsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(bus))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and cleans up resources
func (s *Server) Shutdown(timeout time.Duration, clientManager *websocket.ClientManager, bus broker.MessageBroker) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// Step 1: Stop accepting new connections
	log.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// Step 2: Close all active WebSocket connections
	log.Info("closing websocket connections", zap.Int("sessions", clientManager.Count()))
	clientManager.CloseAllConnections("server shutting down")

	// Step 3: Wait for sessions to release their subscriptions
	done := make(chan struct{})
	go func() {
		clientManager.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all sessions finished")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, forcing exit", zap.Int("sessions", clientManager.Count()))
	}

	// Step 4: Close message broker
	log.Info("closing message broker")
	if err := bus.Close(); err != nil {
		log.Warn("broker close error", zap.Error(err))
	}

	log.Info("shutdown complete")
}

type healthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func healthHandler(bus broker.MessageBroker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status, code := healthStatus{Status: "ok"}, http.StatusOK
		if err := bus.Ping(ctx); err != nil {
			status, code = healthStatus{Status: "unavailable", Error: err.Error()}, http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr))
	})
}
