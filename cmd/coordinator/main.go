package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/config/logger"
	postgresConfig "github.com/taskmesh/coordinator/config/storage/postgresql"
	redisConfig "github.com/taskmesh/coordinator/config/storage/redis"
	config "github.com/taskmesh/coordinator/config/utils"
	httpadapter "github.com/taskmesh/coordinator/internal/adapter/http"
	"github.com/taskmesh/coordinator/internal/adapter/monitoring/prometheus"
	"github.com/taskmesh/coordinator/internal/adapter/queue/rabbitmq"
	"github.com/taskmesh/coordinator/internal/adapter/storage/postgres"
	redisAdapter "github.com/taskmesh/coordinator/internal/adapter/storage/redis"
	"github.com/taskmesh/coordinator/internal/core/service"
)

// _shutdownPeriod is time to wait before gracefully shutting server
const _shutdownPeriod = 10 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config & logger
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)

	zap.L().Info("Starting the coordinator",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	// Init database service
	dbLogger := baseLogger.Named("DB")
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, dbLogger)
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the database")

	// Migrate database
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully migrated the database")

	// Init cache / liveness advertisement service
	redisService, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		zap.L().Error("Error initializing redis connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the redis server", zap.String("address", appConfig.Redis.Addr))

	// Init delivery channel
	channel, err := rabbitmq.NewDeliveryChannel(appConfig.Queue.URL, baseLogger.Named("Queue"))
	if err != nil {
		zap.L().Error("Error initializing delivery channel", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the message broker")

	// Wire the core
	metrics := prometheus.New()
	taskStore := postgres.NewTaskStore(dbService.Pool, baseLogger.Named("TaskStore"))
	auditStore := postgres.NewAgentAuditStore(dbService.Pool, baseLogger.Named("AgentAudit"))
	liveness := redisAdapter.NewLivenessAdvertiser(redisService.Client, baseLogger.Named("Liveness"))

	registry := service.NewRegistry(
		appConfig.Coordinator.LivenessWindow,
		auditStore,
		liveness,
		metrics,
		baseLogger.Named("Registry"),
	)
	scheduler := service.NewScheduler(taskStore, registry, channel, metrics, service.SchedulerConfig{
		AssignmentTimeout: appConfig.Coordinator.AssignmentTimeout,
		MaxRetries:        appConfig.Coordinator.MaxRetries,
		BatchSize:         appConfig.Coordinator.SchedulingBatchSize,
		PassInterval:      appConfig.Coordinator.PassInterval,
	}, baseLogger.Named("Scheduler"))
	coordinator := service.NewCoordinator(taskStore, registry, scheduler, channel, metrics, baseLogger.Named("Coordinator")).
		WithAuditStore(auditStore).
		WithSnapshotCache(redisService.Storage)

	go scheduler.Run(rootCtx)
	go registry.RunSweeper(rootCtx, appConfig.Coordinator.SweepInterval)

	// HTTP ingress
	handler := httpadapter.NewHandler(coordinator, baseLogger.Named("HTTP"))
	server := httpadapter.NewServer(appConfig.HTTP.Addr, handler, metrics.Handler(), map[string]httpadapter.HealthChecker{
		"db":    dbService.DBHealth,
		"redis": redisService.Health,
	}, baseLogger.Named("HTTP"))

	go func() {
		if err := server.Start(); err != nil {
			zap.L().Error("HTTP server stopped", zap.Error(err))
			rootCtxCancel()
		}
	}()

	// Wait for ctx cancelation
	<-rootCtx.Done()
	zap.L().Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP shutdown failed", zap.Error(err))
	}

	dbService.Close()
	redisService.Close()

	zap.L().Info("Graceful shutdown complete.")
}
