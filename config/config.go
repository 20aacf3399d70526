package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"
)

type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	LogLevel        string        `yaml:"log_level"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Bus      BusConfig      `yaml:"bus"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Presence PresenceConfig `yaml:"presence"`
}

type BusConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
	NATS   NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
	QueryParam string `yaml:"query_param"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	LookupCacheSize int           `yaml:"lookup_cache_size"`
	LookupCacheTTL  time.Duration `yaml:"lookup_cache_ttl"`
}

// SessionConfig bounds the resources of a single websocket session.
type SessionConfig struct {
	MaxSubscriptions  int           `yaml:"max_subscriptions"`
	OutboundBuffer    int           `yaml:"outbound_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteWait         time.Duration `yaml:"write_wait"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadLimit         int64         `yaml:"read_limit"`
	CommandRate       float64       `yaml:"command_rate"`
	CommandBurst      int           `yaml:"command_burst"`
}

type PresenceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when neither a file nor the
// environment provide a value.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
		Bus: BusConfig{
			Driver: BusRedis,
			Redis:  RedisConfig{Addr: "localhost:6379"},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				Name:          "realtime-gateway",
				SubjectPrefix: "realtime",
			},
		},
		Auth: AuthConfig{
			CookieName: "jwtToken",
			QueryParam: "token",
		},
		Database: DatabaseConfig{
			LookupCacheSize: 10000,
			LookupCacheTTL:  5 * time.Minute,
		},
		Session: SessionConfig{
			MaxSubscriptions:  64,
			OutboundBuffer:    512,
			HeartbeatInterval: 30 * time.Second,
			WriteWait:         5 * time.Second,
			SubscribeTimeout:  5 * time.Second,
			ReadLimit:         4096,
			CommandRate:       50,
			CommandBurst:      100,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and GATEWAY_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.Bus.Driver {
	case BusRedis:
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.redis.addr is required for the redis driver"))
		}
	case BusNATS:
		if c.Bus.NATS.URL == "" {
			errs = append(errs, errors.New("bus.nats.url is required for the nats driver"))
		}
	case BusMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}
	if c.Presence.Enabled && c.Bus.Driver != BusRedis && c.Bus.Redis.Addr == "" {
		errs = append(errs, errors.New("presence requires bus.redis.addr"))
	}
	if c.Session.MaxSubscriptions <= 0 {
		errs = append(errs, errors.New("session.max_subscriptions must be positive"))
	}
	if c.Session.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("session.outbound_buffer must be positive"))
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("session.heartbeat_interval must be positive"))
	}
	if c.Session.WriteWait <= 0 {
		errs = append(errs, errors.New("session.write_wait must be positive"))
	}
	if c.Session.SubscribeTimeout <= 0 {
		errs = append(errs, errors.New("session.subscribe_timeout must be positive"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}

	return errors.Join(errs...)
}
