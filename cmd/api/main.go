package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iamasit07/cafe-kiosk/backend/internal/config"
	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository/memory"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository/postgres"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository/redis"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/broadcast"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/cleanup"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/command"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/presence"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/session"
	transportHttp "github.com/iamasit07/cafe-kiosk/backend/internal/transport/http"
	"github.com/iamasit07/cafe-kiosk/backend/internal/transport/websocket"
	"github.com/iamasit07/cafe-kiosk/backend/pkg/auth"
	"github.com/iamasit07/cafe-kiosk/backend/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.DevLogging)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.JWTSecret == config.DefaultJWTSecret {
		log.Warn("JWT_SECRET is the built-in default; set it before exposing the service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]func(context.Context) error{}

	// 1. Session Store
	store, closeStore, err := openStore(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Command table and event stream (Redis when reachable, otherwise in-process)
	var cache command.CacheRepository
	var publisher broadcast.Publisher
	if cfg.RedisEnabled {
		client, err := redis.Connect(ctx, cfg.RedisURL, cfg.RedisPassword, log)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-process command table", zap.Error(err))
		} else {
			rc := redis.NewRedisCache(client)
			defer rc.Close()
			cache, publisher = rc, rc
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}
	if cache == nil {
		mc := memory.NewCache()
		defer mc.Close()
		cache = mc
	}

	// 3. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry, cfg.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// 4. Services
	hub := websocket.NewHub(log)
	presenceRegistry := presence.NewRegistry(cfg.ConnectionLiveness)

	dispatcherOpts := []broadcast.Option{broadcast.WithMetrics(m)}
	if publisher != nil {
		dispatcherOpts = append(dispatcherOpts, broadcast.WithPublisher(publisher))
	}
	dispatcher := broadcast.NewDispatcher(hub, log, dispatcherOpts...)

	manager := session.NewManager(store, presenceRegistry, dispatcher,
		session.BillingConfig{HourlyRate: cfg.HourlyRate, Rounding: cfg.Rounding},
		log, session.WithMetrics(m))

	// persisted statuses are stale until kiosks reconnect
	if _, err := manager.ResetConnectivity(ctx); err != nil {
		return fmt.Errorf("failed to reset kiosk connectivity: %w", err)
	}

	commands := command.NewService(cache, hub, broadcast.KioskGroup, log,
		command.WithTTL(cfg.CommandAckTTL), command.WithMetrics(m))

	tokens := auth.NewTokens(cfg.JWTSecret, 0)
	keys, err := auth.NewKeyVerifier(cfg.KioskKey, cfg.KioskKeyHash)
	if err != nil {
		return err
	}

	// 5. Background worker
	worker := cleanup.NewWorker(manager, commands, presenceRegistry, hub, log,
		cleanup.WithSweepInterval(cfg.SweepInterval),
		cleanup.WithPruneInterval(cfg.ConnectionLiveness/4),
		cleanup.WithMetrics(m))
	if err := worker.Start(); err != nil {
		return err
	}

	// 6. HTTP
	wsHandler := websocket.NewHandler(hub, manager, presenceRegistry, commands, tokens, keys, cfg.AllowedOrigins, log)
	wsHandler.Metrics = m
	wsHandler.RequestTimeout = cfg.RequestTimeout

	router := transportHttp.NewRouter(transportHttp.RouterConfig{
		Kiosks:         transportHttp.NewKioskHandler(manager, presenceRegistry, cfg.RequestTimeout, log),
		Sessions:       transportHttp.NewSessionHandler(manager, cfg.RequestTimeout, log),
		Commands:       transportHttp.NewCommandHandler(manager, commands, cfg.RequestTimeout, log),
		Health:         &transportHttp.HealthHandler{Checks: checks},
		WebSocket:      wsHandler.HandleWebSocket,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Tokens:         tokens,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server is shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		hub.CloseAll()
		if err := worker.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("background worker did not stop: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger, checks map[string]func(context.Context) error) (repository.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using the in-memory session store; state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:       cfg.DBMaxOpenConns,
		MaxIdleConns:       cfg.DBMaxIdleConns,
		ConnMaxLifetimeMin: cfg.DBConnMaxLifetimeMin,
	})
	if err != nil {
		return nil, nil, err
	}

	log.Info("running database migrations")
	if err := postgres.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	log.Info("database migration completed")

	checks["store"] = db.PingContext
	return postgres.NewStore(db), func() { db.Close() }, nil
}
