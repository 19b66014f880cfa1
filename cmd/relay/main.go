package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/canvas-sync/config"
	"github.com/cwrk-planet/canvas-sync/internal/fanout"
	"github.com/cwrk-planet/canvas-sync/internal/logger"
	"github.com/cwrk-planet/canvas-sync/internal/memstore"
	"github.com/cwrk-planet/canvas-sync/internal/metrics"
	"github.com/cwrk-planet/canvas-sync/internal/postgres"
	"github.com/cwrk-planet/canvas-sync/internal/service"
	"github.com/cwrk-planet/canvas-sync/internal/sqlite"
	grpcx "github.com/cwrk-planet/canvas-sync/internal/transport/grpc"
	httpx "github.com/cwrk-planet/canvas-sync/internal/transport/http"
	"github.com/cwrk-planet/canvas-sync/internal/transport/ws"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- config ---
	cfgPath := config.Path()
	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging.level: %v", err)
	}
	instanceID := uuid.NewString()
	logger.Init(logger.Config{
		Env:        logger.Env(cfg.Logging.Env),
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		InstanceID: instanceID,
		Backend:    logger.Backend(cfg.Logging.Backend),
		Level:      level,
		AddSource:  cfg.Logging.AddSource,
		Debug:      cfg.Logging.Debug,
	})
	slog.Info("starting canvas-sync",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "store", cfg.Storage.Driver)

	// spans only feed trace ids into the logs, nothing is exported
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- storage ---
	m := metrics.NewCollector("canvas_sync")
	repo, closeRepo, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeRepo()

	states := service.NewStateService(
		service.NewBreakerRepository(repo, service.DefaultBreakerConfig("room-state")), m)

	// --- fan-out ---
	var bus fanout.Bus = fanout.Local{}
	if cfg.Redis.Enabled {
		client, err := fanout.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		bus = fanout.NewRedis(client, cfg.Redis.Prefix, instanceID)
		slog.Info("redis fan-out enabled", "addr", cfg.Redis.Addr)
	}
	defer bus.Close()

	// --- WS Hub & Server ---
	hub := ws.NewHub(cfg.Relay.BacklogSize)
	relay := ws.NewRelay(hub, bus, m)
	wsServer := ws.NewServer(hub, relay, states, m, ws.Options{
		MaxPayloadBytes: cfg.Relay.MaxPayloadBytes,
		SendBuffer:      cfg.Relay.SendBuffer,
		PingEvery:       cfg.Relay.PingEvery,
		SaveTimeout:     cfg.Relay.SaveTimeout,
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:        httpx.NewHandler(states, hub),
		HubHandler:     wsServer.HandleWS,
		Metrics:        m,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- gRPC ---
	grpcServer := grpcx.NewServer()
	health := grpcx.NewHealth(states, 10*time.Second)
	health.Register(grpcServer)

	// --- config reload ---
	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Close()
		watcher.OnChange(func(c *config.Config) {
			lvl, err := logger.ParseLevel(c.Logging.Level)
			if err != nil {
				slog.Warn("config reload: bad level", "level", c.Logging.Level, "err", err)
				return
			}
			if lvl != logger.Level() {
				logger.SetLevel(lvl)
				slog.Info("log level changed", "level", lvl.String())
			}
		})
	}

	// --- run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return health.Run(gctx) })

	if cfg.Cleanup.Enabled {
		janitor := service.NewJanitor(states, cfg.Cleanup.Interval, cfg.Cleanup.MaxAge)
		g.Go(func() error { return janitor.Run(gctx) })
		slog.Info("janitor enabled", "interval", cfg.Cleanup.Interval, "maxAge", cfg.Cleanup.MaxAge)
	}

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health.Shutdown()
		grpcServer.GracefulStop()
		_ = httpSrv.Shutdown(ctxShutdown)
		_ = tp.Shutdown(ctxShutdown)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		closeRepo()
		os.Exit(1)
	}
	slog.Info("stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (service.StateRepository, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := cfg.Storage.Postgres
		db, err := postgres.New(ctx, postgres.Config{
			DSN:               pg.DSN,
			MaxConns:          pg.MaxConns,
			MinConns:          pg.MinConns,
			MaxConnLifetime:   pg.MaxConnLifetime,
			MaxConnIdleTime:   pg.MaxConnIdleTime,
			HealthCheckPeriod: pg.HealthCheckPeriod,
			ApplicationName:   cfg.Logging.Service,
		})
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRoomStateRepository(db.Pool), db.Close, nil
	case config.DriverSQLite:
		repo, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		slog.Warn("using in-memory room state, snapshots are lost on restart")
		return memstore.NewRoomStateRepository(), func() {}, nil
	}
}
