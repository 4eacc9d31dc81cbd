package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"bay/internal/api"
	"bay/internal/capability"
	"bay/internal/cargo"
	"bay/internal/config"
	dockerdriver "bay/internal/driver/docker"
	"bay/internal/eventbus"
	"bay/internal/gc"
	"bay/internal/history"
	"bay/internal/idempotency"
	"bay/internal/monitor"
	"bay/internal/sandboxmgr"
	"bay/internal/session"
	"bay/internal/store"
)

// deps holds every infrastructure connection bayd needs before any domain
// manager can be constructed, grounded on the teacher's Dependency/InitDeps
// split in internal/server/dependency.go.
type deps struct {
	docker      *client.Client
	redis       *redis.Client
	store       *store.Store
	asynqClient *asynq.Client
	logger      *slog.Logger
}

func initDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	st, err := store.Open(cfg.Store.Path, cfg.Store.MaxOpenConns)
	if err != nil {
		redisClient.Close()
		dockerClient.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})

	return &deps{
		docker:      dockerClient,
		redis:       redisClient,
		store:       st,
		asynqClient: asynqClient,
		logger:      logger,
	}, nil
}

func (d *deps) Close() {
	if d.asynqClient != nil {
		d.asynqClient.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.docker != nil {
		d.docker.Close()
	}
}

// asynqLogger adapts slog to asynq's own leveled-logger interface, copied
// from the teacher's internal/server/server.go.
type asynqLogger struct{ l *slog.Logger }

func newAsynqLogger(l *slog.Logger) *asynqLogger { return &asynqLogger{l: l.With("component", "asynq")} }

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := initDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	drv := dockerdriver.New(d.docker, logger)
	bus := eventbus.NewRedisBus(d.redis, logger)

	sessions := session.NewManager(d.store, drv, capability.BuildAdapter, bus, logger)
	cargos := cargo.NewManager(d.store, drv, logger)
	sandboxes := sandboxmgr.NewManager(d.store, sessions, cargos, cfg.Profiles, logger)
	historySvc := history.NewService(d.store)
	capRouter := capability.NewRouter(sandboxes, sessions, cfg.Profiles, bus, historySvc, logger)
	idem := idempotency.NewService(d.store)

	coordinator := gc.NewCoordinator(d.store, drv, sandboxes, sessions, cargos, idem, d.asynqClient, gc.Config{
		IdleSessionInterval:      cfg.GC.IdleSessionInterval,
		ExpiredSandboxInterval:   cfg.GC.ExpiredSandboxInterval,
		OrphanCargoInterval:      cfg.GC.OrphanCargoInterval,
		OrphanContainerInterval:  cfg.GC.OrphanContainerInterval,
		IdempotencyPurgeInterval: cfg.GC.IdempotencyPurgeInterval,
		LeaseTTL:                 cfg.GC.LeaseTTL,
	}, logger)

	asynqServer := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}, asynq.Config{
		Concurrency: 10,
		Logger:      newAsynqLogger(logger),
	})
	mux := asynq.NewServeMux()
	coordinator.RegisterHandlers(mux)

	router := api.NewRouter(api.Dependencies{
		Store:       d.store,
		Sandboxes:   sandboxes,
		Capability:  capRouter,
		Cargos:      cargos,
		History:     historySvc,
		GC:          coordinator,
		Idempotency: idem,
		Profiles:    cfg.Profiles,
		DevMode:     cfg.Security.DevMode,
		OwnerHeader: cfg.Security.DevOwnerHeader,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go coordinator.Run(ctx)
	go capRouter.StartInvalidationListener(ctx)

	go func() {
		logger.Info("starting asynq worker", "concurrency", 10)
		if err := asynqServer.Start(mux); err != nil {
			logger.Error("asynq worker failed", "error", err)
		}
	}()

	go func() {
		if err := monitor.StartMetricsServer(ctx, cfg.Metrics.Addr, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		logger.Error("api server error", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	asynqServer.Shutdown()

	logger.Info("bayd stopped")
}
