package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/ultrachat-gateway/internal/api"
	"github.com/nmxmxh/ultrachat-gateway/internal/bridge"
	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/internal/config"
	"github.com/nmxmxh/ultrachat-gateway/internal/gateway"
	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/internal/registry"
	"github.com/nmxmxh/ultrachat-gateway/internal/router"
	"github.com/nmxmxh/ultrachat-gateway/pkg/auth"
	"github.com/nmxmxh/ultrachat-gateway/pkg/bus"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/health"
	"github.com/nmxmxh/ultrachat-gateway/pkg/lifecycle"
	"github.com/nmxmxh/ultrachat-gateway/pkg/logger"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
	"github.com/nmxmxh/ultrachat-gateway/pkg/redis"
	"github.com/nmxmxh/ultrachat-gateway/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		zap.NewExample().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Gateway exited with error", zap.Error(err))
	}
	log.Info("Gateway stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Installed before the bus is built so its spans are exported.
	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.TracingEndpoint,
		Disabled:       cfg.TracingDisabled,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, redis.Config{
		Addr:           cfg.RedisAddr,
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		PoolSize:       cfg.RedisPoolSize,
		MinIdleConns:   cfg.RedisMinIdleConns,
		MaxRetries:     cfg.RedisMaxRetries,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}

	nc, err := bus.ConnectNATS(ctx, bus.NATSConfig{
		URL:            cfg.NATSURL,
		Name:           cfg.NATSName,
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
	if err != nil {
		_ = redisClient.Close()
		return errors.Wrap(err, "connect nats")
	}

	keys := redis.NewKeyBuilder(cfg.RedisKeyPrefix)
	publisher := bus.NewAsyncPublisher(nc, cfg.PublishQueueDepth, cfg.RequestTimeout, log)
	presenceStore := presence.NewStore(redisClient, keys)
	authn := auth.NewValidator(nc, cfg.RequestTimeout)

	chatRegistry := registry.New()
	callsRegistry := registry.New()
	chatRouter := router.New(chatRegistry, string(gateway.ChannelChat), log)
	callsRouter := router.New(callsRegistry, string(gateway.ChannelCalls), log)
	callService := calls.NewService(calls.NewStore(redisClient, keys), callsRouter, publisher, cfg.ICEServers, log)

	opts := gateway.Options{
		AuthGracePeriod: cfg.AuthGracePeriod,
		RequestTimeout:  cfg.RequestTimeout,
		QueueDepth:      cfg.OutboundQueueDepth,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
	opts.Channel = gateway.ChannelChat
	chatController := gateway.New(opts, gateway.Deps{
		Router:    chatRouter,
		Auth:      authn,
		Presence:  presenceStore,
		Requester: nc,
		Publisher: publisher,
	}, log)
	opts.Channel = gateway.ChannelCalls
	callsController := gateway.New(opts, gateway.Deps{
		Router: callsRouter,
		Auth:   authn,
		Calls:  callService,
	}, log)

	eventBridge := bridge.New(nc, chatRouter, callsRouter, log)
	refresher, err := gateway.NewRefresher(chatRegistry, presenceStore, cfg.PresenceRefreshSpec, cfg.RequestTimeout, log)
	if err != nil {
		_ = nc.Close()
		_ = redisClient.Close()
		return errors.Wrap(err, "schedule presence refresh")
	}

	checker := health.NewHealthChecker()
	checker.Register(redisClient)
	checker.Register(nc)

	apiServer := &http.Server{
		Addr: net.JoinHostPort("", cfg.AppPort),
		Handler: api.NewRouter(api.Config{
			CORSOrigins: cfg.CORSOrigins,
			ChatSocket:  chatController,
			CallsSocket: callsController,
			Auth:        authn,
			Presence:    presenceStore,
			Broadcaster: chatController,
			Calls:       callService,
			Health:      checker,
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := metrics.NewServer(net.JoinHostPort("", cfg.MetricsPort))

	g, gctx := errgroup.WithContext(ctx)
	serve := func(name string, srv *http.Server) lifecycle.Func {
		return lifecycle.Func{
			ResourceName: name,
			OnStart: func(context.Context) error {
				g.Go(func() error {
					log.Info("Listening", zap.String("server", name), zap.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, name+" server")
					}
					return nil
				})
				return nil
			},
			OnStop: srv.Shutdown,
		}
	}

	mgr := lifecycle.NewManager(log)
	resources := []struct {
		res  lifecycle.Resource
		deps []string
	}{
		{lifecycle.Func{ResourceName: "tracing", OnStop: func(ctx context.Context) error { return tracing.Shutdown(ctx, tp) }}, nil},
		{lifecycle.Func{ResourceName: "redis", OnStop: func(context.Context) error { return redisClient.Close() }}, []string{"tracing"}},
		{lifecycle.Func{ResourceName: "nats", OnStop: func(context.Context) error { return nc.Close() }}, []string{"tracing"}},
		{lifecycle.Func{ResourceName: "publisher", OnStop: publisher.Close}, []string{"nats"}},
		{lifecycle.Func{
			ResourceName: "bridge",
			OnStart:      func(context.Context) error { return eventBridge.Start() },
			OnStop:       func(context.Context) error { eventBridge.Stop(); return nil },
		}, []string{"nats"}},
		{lifecycle.Func{
			ResourceName: "presence-refresher",
			OnStart:      func(context.Context) error { refresher.Start(); return nil },
			OnStop:       func(context.Context) error { refresher.Stop(); return nil },
		}, []string{"redis"}},
		{lifecycle.Func{
			ResourceName: "connections",
			OnStop: func(ctx context.Context) error {
				return drain(ctx, chatRegistry, callsRegistry)
			},
		}, []string{"redis", "publisher"}},
		{serve("api", apiServer), []string{"connections", "bridge", "presence-refresher"}},
		{serve("metrics", metricsServer), nil},
	}
	for _, r := range resources {
		if err := mgr.Register(r.res, r.deps...); err != nil {
			return err
		}
	}
	if err := mgr.Start(gctx); err != nil {
		return err
	}

	<-gctx.Done()
	log.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Warn("Shutdown finished with errors", zap.Error(err))
	}
	return g.Wait()
}

// drain drops every live WebSocket connection and waits until their disconnect
// handling has unregistered them, so presence goes offline before Redis closes.
func drain(ctx context.Context, regs ...*registry.Registry) error {
	for _, reg := range regs {
		reg.ForEach(func(e registry.Entry) {
			e.Sink.Drop("server shutting down")
		})
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		live := 0
		for _, reg := range regs {
			live += reg.Count()
		}
		if live == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "connections still open")
		case <-ticker.C:
		}
	}
}
