package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/lotledger/api/controllers"
	"github.com/angelmondragon/lotledger/api/routes"
	"github.com/angelmondragon/lotledger/internal/adjustments"
	"github.com/angelmondragon/lotledger/internal/cron"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/internal/reservations"
	"github.com/angelmondragon/lotledger/pkg/config"
	"github.com/angelmondragon/lotledger/pkg/db"
	"github.com/angelmondragon/lotledger/pkg/logger"
	"github.com/angelmondragon/lotledger/pkg/metrics"
	"github.com/angelmondragon/lotledger/pkg/migrate"
	"github.com/angelmondragon/lotledger/pkg/redis"
	"github.com/angelmondragon/lotledger/pkg/units"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()
	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	gateway, err := unitGateway(cfg.Units)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	inventoryMetrics := metrics.NewInventoryMetrics(registry)

	led, err := ledger.New(ledger.NewRepository(dbClient.DB()), units.WithTimeout(gateway, cfg.Units.Timeout))
	if err != nil {
		return err
	}
	engine, err := adjustments.NewEngine(adjustments.Params{
		DB:      dbClient,
		Ledger:  led,
		Gateway: gateway,
		Logger:  logg,
		Metrics: inventoryMetrics,
		Config: adjustments.Config{
			AllowExpiredDraws: cfg.Inventory.AllowExpiredLotDraws,
			ConversionTimeout: cfg.Units.Timeout,
		},
	})
	if err != nil {
		return err
	}
	manager, err := reservations.NewManager(reservations.Params{
		DB:      dbClient,
		Repo:    reservations.NewRepository(dbClient.DB()),
		Engine:  engine,
		Logger:  logg,
		Metrics: inventoryMetrics,
		Config: reservations.Config{
			DefaultTTL: cfg.Inventory.ReservationTTL,
			SweepLimit: cfg.Inventory.SweepLimit,
		},
	})
	if err != nil {
		return err
	}

	expiry, err := cron.NewReservationExpiryJob(manager, logg)
	if err != nil {
		return err
	}
	reconcile, err := cron.NewShadowReconcileJob(manager, logg)
	if err != nil {
		return err
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker:"+cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		return err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(expiry, reconcile),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(registry),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	ops := &http.Server{
		Addr: net.JoinHostPort("", cfg.Cron.OpsPort),
		Handler: routes.NewOpsRouter(cfg, logg, registry, map[string]controllers.Pinger{
			"database": dbClient,
			"redis":    redisClient,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", ops.Addr), "ops server listening")
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		logg.Info(gctx, "starting cron worker")
		if err := service.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}

// unitGateway picks the HTTP conversion service when one is configured and
// falls back to same-unit passthrough otherwise.
func unitGateway(cfg config.UnitsConfig) (units.Gateway, error) {
	if cfg.GatewayURL == "" {
		return units.Passthrough{}, nil
	}
	return units.NewHTTPGateway(cfg.GatewayURL, units.WithAPIKey(cfg.APIKey))
}
