package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/access"
	"github.com/BevzyukIvan/JSocialFlux/auth"
	"github.com/BevzyukIvan/JSocialFlux/broker"
	"github.com/BevzyukIvan/JSocialFlux/config"
	"github.com/BevzyukIvan/JSocialFlux/logger"
	"github.com/BevzyukIvan/JSocialFlux/presence"
	"github.com/BevzyukIvan/JSocialFlux/server"
	"github.com/BevzyukIvan/JSocialFlux/websocket"
)

var log = logger.Named("cmd")

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs the gateway until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg config.Config) error {
	bus, err := openBroker(cfg)
	if err != nil {
		return err
	}

	dir, closeDir, err := openDirectory(ctx, cfg)
	if err != nil {
		_ = bus.Close()
		return err
	}
	defer closeDir()

	tracker, closePresence := openPresence(cfg, bus)
	defer closePresence()

	manager := websocket.NewClientManager()
	handler := websocket.NewHandler(manager, websocket.HandlerConfig{
		Broker:         bus,
		Authorizer:     access.NewAuthorizer(dir),
		Resolver:       openResolver(cfg),
		Presence:       tracker,
		Options:        sessionOptions(cfg.Session),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := server.NewServer(cfg.ListenAddr, handler.HandleWebSocket, bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	srv.Shutdown(cfg.ShutdownTimeout, manager, bus)
	return err
}

func openBroker(cfg config.Config) (broker.MessageBroker, error) {
	switch cfg.Bus.Driver {
	case config.BusRedis:
		log.Info("connecting to redis bus", zap.String("addr", cfg.Bus.Redis.Addr))
		return broker.NewRedisBroker(redisOptions(cfg.Bus.Redis))
	case config.BusNATS:
		log.Info("connecting to nats bus", zap.String("url", cfg.Bus.NATS.URL))
		return broker.NewNATSBroker(broker.NATSConfig{
			URL:           cfg.Bus.NATS.URL,
			Name:          cfg.Bus.NATS.Name,
			SubjectPrefix: cfg.Bus.NATS.SubjectPrefix,
		})
	case config.BusMemory:
		log.Warn("using the in-process bus; events published by other instances will not arrive")
		return broker.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

func redisOptions(rc config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

func openDirectory(ctx context.Context, cfg config.Config) (access.Directory, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured; chat subscriptions will be denied")
		return access.NewMemoryDirectory(), func() {}, nil
	}

	pg, err := access.NewPostgresDirectory(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.LookupCacheSize <= 0 {
		return pg, pg.Close, nil
	}
	return access.NewCachedDirectory(pg, cfg.Database.LookupCacheSize, cfg.Database.LookupCacheTTL), pg.Close, nil
}

// openPresence reuses the Redis bus connection when there is one.
func openPresence(cfg config.Config, bus broker.MessageBroker) (presence.Tracker, func()) {
	if !cfg.Presence.Enabled {
		return presence.Nop{}, func() {}
	}
	if rb, ok := bus.(*broker.RedisBroker); ok {
		return presence.NewStore(rb.Client()), func() {}
	}

	client := redis.NewClient(redisOptions(cfg.Bus.Redis))
	return presence.NewStore(client), func() {
		if err := client.Close(); err != nil {
			log.Warn("closing presence redis client", zap.Error(err))
		}
	}
}

func openResolver(cfg config.Config) auth.Resolver {
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty; every connection is anonymous")
		return auth.Static("")
	}
	return auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret), cfg.Auth.CookieName, cfg.Auth.QueryParam)
}

func sessionOptions(sc config.SessionConfig) websocket.Options {
	return websocket.Options{
		MaxSubscriptions:  sc.MaxSubscriptions,
		OutboundBuffer:    sc.OutboundBuffer,
		HeartbeatInterval: sc.HeartbeatInterval,
		WriteWait:         sc.WriteWait,
		SubscribeTimeout:  sc.SubscribeTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ReadLimit:         sc.ReadLimit,
		CommandRate:       sc.CommandRate,
		CommandBurst:      sc.CommandBurst,
	}
}
