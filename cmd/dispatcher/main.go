package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/zonedispatch/api/routes"
	"github.com/angelmondragon/zonedispatch/internal/broadcast"
	"github.com/angelmondragon/zonedispatch/internal/cron"
	"github.com/angelmondragon/zonedispatch/internal/customers"
	"github.com/angelmondragon/zonedispatch/internal/dispatch"
	"github.com/angelmondragon/zonedispatch/internal/drivers"
	"github.com/angelmondragon/zonedispatch/internal/notify"
	"github.com/angelmondragon/zonedispatch/internal/orders"
	"github.com/angelmondragon/zonedispatch/internal/queue"
	"github.com/angelmondragon/zonedispatch/internal/scheduler"
	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/db"
	"github.com/angelmondragon/zonedispatch/pkg/instance"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	"github.com/angelmondragon/zonedispatch/pkg/metrics"
	"github.com/angelmondragon/zonedispatch/pkg/migrate"
	"github.com/angelmondragon/zonedispatch/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "dispatcher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "dispatcher",
		Instance:    instance.GetID(),
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	publisher, err := notify.NewPublisher(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap notification publisher", err)
		os.Exit(1)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logg.Error(context.Background(), "error closing notification publisher", err)
		}
	}()

	notifier, err := notify.NewService(notify.ServiceParams{
		Logger:        logg,
		Publisher:     publisher,
		DriverTopic:   cfg.Notify.DriverTopic,
		CustomerTopic: cfg.Notify.CustomerTopic,
		Timeout:       cfg.Notify.PublishTimeout,
	})
	if err != nil {
		logg.Error(ctx, "failed to create notification service", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dispatchMetrics := metrics.NewDispatchMetrics(registry)
	maintenanceMetrics := metrics.NewMaintenanceMetrics(registry)

	driverRepo := drivers.NewRepository(dbClient.DB())
	orderRepo := orders.NewRepository(dbClient.DB())
	customerRepo := customers.NewRepository(dbClient.DB())

	zoneQueue, err := queue.NewManager(queue.ManagerParams{
		Source:  driverRepo,
		Logger:  logg,
		Lengths: dispatchMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create queue manager", err)
		os.Exit(1)
	}

	maintenance, err := newMaintenance(cfg, logg, redisClient, customerRepo, orderRepo, zoneQueue, maintenanceMetrics)
	if err != nil {
		logg.Error(ctx, "failed to create maintenance service", err)
		os.Exit(1)
	}

	timers, err := scheduler.New(scheduler.Params{Logger: logg, Maintenance: maintenance})
	if err != nil {
		logg.Error(ctx, "failed to create scheduler", err)
		os.Exit(1)
	}

	broadcastSvc, err := broadcast.NewService(broadcast.ServiceParams{
		Logger:   logg,
		Tx:       dbClient,
		Drivers:  driverRepo,
		Orders:   orderRepo,
		Queue:    zoneQueue,
		Timers:   timers,
		Notifier: notifier,
		Metrics:  dispatchMetrics,
		Config:   cfg.Dispatch,
	})
	if err != nil {
		logg.Error(ctx, "failed to create broadcast service", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.New(dispatch.Params{
		Logger:    logg,
		Tx:        dbClient,
		Drivers:   driverRepo,
		Orders:    orderRepo,
		Queue:     zoneQueue,
		Timers:    timers,
		Notifier:  notifier,
		Broadcast: broadcastSvc,
		Metrics:   dispatchMetrics,
		Config:    cfg.Dispatch,
	})
	if err != nil {
		logg.Error(ctx, "failed to create dispatcher", err)
		os.Exit(1)
	}

	if err := dispatcher.Recover(ctx); err != nil {
		logg.Error(ctx, "failed to recover dispatch state", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:      cfg,
			Logger:      logg,
			DB:          dbClient,
			Redis:       redisClient,
			Idempotency: redisClient,
			Dispatcher:  dispatcher,
			Broadcast:   broadcastSvc,
			Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}),
	}

	if err := timers.StartMaintenance(); err != nil {
		logg.Error(ctx, "failed to start maintenance loop", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting dispatcher http server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logg.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logg.Error(ctx, "dispatcher http server stopped unexpectedly", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "http server shutdown failed", err)
	}
	timers.CancelAll()
	logg.Info(ctx, "dispatcher stopped")
}

func newMaintenance(
	cfg *config.Config,
	logg *logger.Logger,
	redisClient *redis.Client,
	customerRepo customers.Repository,
	orderRepo orders.Repository,
	zoneQueue *queue.Manager,
	maintenanceMetrics *metrics.MaintenanceMetrics,
) (*cron.Service, error) {
	warnings, err := cron.NewPenaltyWarningJob(cron.PenaltyWarningJobParams{
		Logger:    logg,
		Customers: customerRepo,
		Lifetime:  cfg.Maintenance.WarningLifetime,
	})
	if err != nil {
		return nil, err
	}
	reservations, err := cron.NewReservationSweepJob(cron.ReservationSweepJobParams{
		Logger: logg,
		Orders: orderRepo,
	})
	if err != nil {
		return nil, err
	}
	rebuild, err := cron.NewQueueRebuildJob(zoneQueue)
	if err != nil {
		return nil, err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(cfg.Maintenance.LockKey), cfg.Maintenance.LockTTL)
	if err != nil {
		return nil, err
	}
	schedule, err := cron.ParseSchedule(cfg.Maintenance.Schedule())
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(warnings, reservations, rebuild),
		Lock:     lock,
		Metrics:  maintenanceMetrics,
		Schedule: schedule,
	})
}
