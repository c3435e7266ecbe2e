package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-stream/api"
	"board-stream/broadcast"
	"board-stream/config"
	"board-stream/gateway"
	"board-stream/internal/consts"
	"board-stream/liveness"
	"board-stream/ordering"
	"board-stream/room"
	"board-stream/session"
	"board-stream/storage"
)

// positionStore is what the service needs from a storage backend.
type positionStore interface {
	ordering.Store
	gateway.Catalog
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	locks := ordering.Locker(ordering.NewKeyedLocker(cfg.Ordering.LockWait))
	if rc != nil {
		locks = ordering.Chain(locks, storage.NewRedisLocker(rc, cfg.Redis.LockTTL, cfg.Ordering.LockWait))
	}
	svc := ordering.NewService(store, locks,
		ordering.WithMaxAttempts(cfg.Ordering.MaxAttempts),
		ordering.WithRetryDelay(cfg.Ordering.RetryDelay),
		ordering.WithLogger(logger),
	)

	registry := session.NewRegistry(logger)
	rooms := room.NewDirectory(registry, logger)
	registry.OnIdentityGone(func(identity string) { rooms.Evict(identity) })
	monitor := liveness.NewMonitor(registry, cfg.Liveness.Interval, logger)

	bc := broadcast.New(rooms, registry, logger)
	bc.OnFailure(monitor.Recheck)
	var publisher gateway.Publisher = bc
	if rc != nil {
		relay := broadcast.NewRelay(bc, rc, consts.BoardEventsChannel, logger)
		go relay.Run(ctx)
		publisher = relay
	}

	queue, err := openReconcileQueue(cfg)
	if err != nil {
		log.Fatalf("reconcile queue: %v", err)
	}
	var deduper gateway.Deduper
	if rc != nil {
		deduper = storage.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	}
	gw := gateway.New(svc, publisher, deduper, queue, logger)
	if cfg.Storage.Backend == config.BackendMemory || cfg.Storage.MirrorItems {
		gw.UseCatalog(store)
	}

	var auth *api.Auth
	if cfg.Auth.TestMode {
		auth = api.NewAuth(nil, cfg.Auth)
	} else {
		jwks, err := keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, api.Deps{
		Sessions:     registry,
		Rooms:        rooms,
		Liveness:     monitor,
		Auth:         auth,
		Gateway:      gw,
		Reconcile:    queue,
		GatewayToken: cfg.Gateway.Token,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		Logger:       logger,
	})

	monitor.Start(ctx)
	defer monitor.Stop()
	go gateway.NewReconciler(queue, svc, cfg.Reconcile.Poll, logger).Run(ctx)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "storage": cfg.Storage.Backend, "redis": rc != nil}).Info("board stream started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (positionStore, func(), error) {
	switch cfg.Backend {
	case config.BackendTables:
		s, err := storage.NewTableStore(cfg.ConnectionString, cfg.ItemsTable)
		return s, func() {}, err
	case config.BackendSQLite, config.BackendPostgres:
		s, err := storage.OpenSQL(ctx, cfg.Backend, cfg.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func openReconcileQueue(cfg config.Config) (gateway.ReconcileQueue, error) {
	if cfg.Storage.Backend == config.BackendTables && cfg.Storage.ReconcileQueue != "" {
		return storage.NewAzureReconcileQueue(cfg.Storage.ConnectionString, cfg.Storage.ReconcileQueue, cfg.Reconcile.Visibility)
	}
	return gateway.NewMemoryQueue(cfg.Reconcile.QueueLimit, cfg.Reconcile.Visibility), nil
}
