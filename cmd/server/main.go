package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"order-sync/config"
	"order-sync/internal/api"
	"order-sync/internal/broker"
	"order-sync/internal/marketplace"
	"order-sync/internal/redisclient"
	"order-sync/internal/service"
	"order-sync/internal/store"
	"order-sync/internal/util"
	"order-sync/internal/worker"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order sync service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("order-sync", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	replayProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReplay)
	defer replayProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	replayPublisher := broker.NewEventPublisher(replayProducer)

	tokens := marketplace.NewCachedTokenStore(cfg.Marketplace, db, redisClient)
	client := marketplace.NewClient(cfg.Marketplace, cfg.Payment, cfg.Retry, tokens)

	reconciler := service.NewShipmentReconciler(db, client, service.NewEventNotifier(eventPublisher))
	poller := service.NewMerchantOrderPoller(db, client, cfg.Retry)
	stockService := service.NewStockService(db, redisClient, eventPublisher, cfg.Retry)
	paymentService := service.NewPaymentService(db, client, stockService, eventPublisher)
	webhookService := service.NewWebhookService(db, client, reconciler, poller, paymentService, cfg.Marketplace.ApplicationID)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	replayConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReplay, cfg.Kafka.ConsumerGroup)
	replayWorker := worker.NewWebhookReplayWorker(replayConsumer, webhookService)
	go func() {
		if err := replayWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Webhook replay worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		webhookService,
		reconciler,
		replayPublisher,
		api.PaymentWebhookConfig{
			Secret: cfg.Payment.WebhookSecret,
			Window: cfg.Payment.SignatureWindow,
		},
		map[string]api.HealthCheck{
			"database": db.Ping,
			"redis":    redisClient.Ping,
		},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := replayWorker.Stop(); err != nil {
		logger.Error("Error stopping replay worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
