package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/logger"
)

var log = logger.Named("config")

func applyEnv(cfg *Config) {
	cfg.ListenAddr = envString("GATEWAY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envString("GATEWAY_LOG_LEVEL", cfg.LogLevel)
	cfg.AllowedOrigins = envList("GATEWAY_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.ShutdownTimeout = envDuration("GATEWAY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.Bus.Driver = envString("GATEWAY_BUS_DRIVER", cfg.Bus.Driver)
	cfg.Bus.Redis.Addr = envString("GATEWAY_REDIS_ADDR", cfg.Bus.Redis.Addr)
	cfg.Bus.Redis.Password = envString("GATEWAY_REDIS_PASSWORD", cfg.Bus.Redis.Password)
	cfg.Bus.Redis.DB = envInt("GATEWAY_REDIS_DB", cfg.Bus.Redis.DB)
	cfg.Bus.NATS.URL = envString("GATEWAY_NATS_URL", cfg.Bus.NATS.URL)

	cfg.Auth.JWTSecret = envString("GATEWAY_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Database.DSN = envString("GATEWAY_DATABASE_DSN", cfg.Database.DSN)

	cfg.Session.MaxSubscriptions = envInt("GATEWAY_SESSION_MAX_SUBSCRIPTIONS", cfg.Session.MaxSubscriptions)
	cfg.Session.OutboundBuffer = envInt("GATEWAY_SESSION_OUTBOUND_BUFFER", cfg.Session.OutboundBuffer)
	cfg.Session.HeartbeatInterval = envDuration("GATEWAY_SESSION_HEARTBEAT_INTERVAL", cfg.Session.HeartbeatInterval)
	cfg.Session.SubscribeTimeout = envDuration("GATEWAY_SESSION_SUBSCRIBE_TIMEOUT", cfg.Session.SubscribeTimeout)
	cfg.Session.IdleTimeout = envDuration("GATEWAY_SESSION_IDLE_TIMEOUT", cfg.Session.IdleTimeout)

	cfg.Presence.Enabled = envBool("GATEWAY_PRESENCE_ENABLED", cfg.Presence.Enabled)
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "secret") || strings.Contains(k, "password") || strings.Contains(k, "dsn")
}

func envString(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if sensitive(key) {
		log.Debug("using environment variable", zap.String("key", key), zap.Bool("sensitive", true))
	} else {
		log.Debug("using environment variable", zap.String("key", key), zap.String("value", v))
	}
	return v
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid integer in environment, using default",
			zap.String("key", key), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn("invalid boolean in environment, using default",
			zap.String("key", key), zap.String("value", v), zap.Bool("default", def))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("invalid duration in environment, using default",
			zap.String("key", key), zap.String("value", v), zap.Duration("default", def))
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
