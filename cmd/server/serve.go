package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/board"
	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/events"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/routing"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func serve(ctx context.Context, demoFleet bool) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger, demoFleet)
	if err != nil {
		return err
	}
	defer closeStore()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rc.Close() }()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rc.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()
	}

	oracle, err := buildOracle(cfg, rc, logger)
	if err != nil {
		return err
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("publishing lifecycle events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	defer func() { _ = pub.Close() }()

	var fleetBoard *board.Board
	if rc != nil {
		fleetBoard = board.New(board.NewRedisBackend(rc), cfg.RedisBoardKey)
		if units, err := store.ListFleet(ctx); err != nil {
			logger.Warn("list fleet for board seed", "error", err)
		} else if err := fleetBoard.Seed(ctx, units); err != nil {
			logger.Warn("seed fleet board", "error", err)
		}
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store: store,
		Matcher: &matcher.Service{
			Store:            store,
			Oracle:           oracle,
			FanOut:           cfg.MatcherFanOut,
			FallbackSpeedKmh: cfg.MatcherFallbackSpeedKmh,
			Logger:           logger,
		},
		Lifecycle: lifecycle.NewService(store, logger),
		Events:    pub,
		Notifier:  notify.NewWSRegistry(logger),
		Board:     fleetBoard,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ambulance-dispatch listening", "addr", cfg.HTTPAddr, "routing_provider", cfg.RoutingProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, demoFleet bool) (storage.FleetStore, func(), error) {
	if cfg.PGDSN == "" {
		mem := storage.NewMemoryStore()
		if demoFleet {
			seedDemoFleet(mem)
		}
		logger.Warn("PG_DSN not set, using in-memory fleet store", "demo_fleet", demoFleet)
		return mem, func() {}, nil
	}

	if cfg.RunMigrations {
		if err := storage.Migrate(cfg.PGDSN, "file://"+cfg.MigrationsDir, logger); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ps.Ping(pingCtx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return ps, func() { _ = ps.Close() }, nil
}

func buildOracle(cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (routing.Oracle, error) {
	var oracle routing.Oracle
	switch cfg.RoutingProvider {
	case routing.ProviderGraphHopper:
		oracle = routing.NewGraphHopperClient(cfg.GraphHopperURL, cfg.GraphHopperKey, cfg.RoutingTimeout, logger)
	case routing.ProviderOSRM:
		oracle = routing.NewOSRMClient(cfg.OSRMURL, cfg.RoutingTimeout, logger)
	case routing.ProviderGoogle:
		g, err := routing.NewGoogleOracle(cfg.GoogleMapsKey, cfg.RoutingTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		oracle = g
	default:
		return routing.Unavailable{}, nil
	}

	if cfg.RouteCacheTTL <= 0 {
		return oracle, nil
	}
	var cache routing.Cache = routing.NewMemoryCache(cfg.RouteCacheTTL)
	if rc != nil {
		cache = routing.NewRedisCache(rc, cfg.RouteCacheTTL, logger)
	}
	return &routing.Cached{Oracle: oracle, Cache: cache, Timeout: cfg.RoutingTimeout}, nil
}

// seedDemoFleet places three units around central Bengaluru.
func seedDemoFleet(m *storage.MemoryStore) {
	units := []struct {
		plate, operator string
		loc             models.Coord
	}{
		{"KA-01-AB-1001", "Ravi Kumar", models.Coord{Lat: 12.9716, Lon: 77.5946}},
		{"KA-01-AB-1002", "Meera Nair", models.Coord{Lat: 12.9352, Lon: 77.6245}},
		{"KA-01-AB-1003", "Arjun Rao", models.Coord{Lat: 13.0358, Lon: 77.5970}},
	}
	for i, u := range units {
		id := int64(i + 1)
		m.AddUnit(
			models.Vehicle{ID: id, Plate: u.plate, Loc: u.loc},
			models.Operator{ID: id, Name: u.operator, Username: fmt.Sprintf("operator%d", id)},
		)
	}
}

func migrateOnly(dir string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required to migrate")
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := storage.Migrate(cfg.PGDSN, "file://"+dir, logger); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}
