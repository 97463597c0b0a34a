package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invoice-intake-pipeline/internal/api_gateway"
	"github.com/invoice-intake-pipeline/internal/api_gateway/service"
	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/data/mongo"
	"github.com/invoice-intake-pipeline/internal/data/postgres"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/components"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/platform/archive"
	"github.com/invoice-intake-pipeline/internal/platform/messaging/producers"
	"github.com/invoice-intake-pipeline/internal/platform/persistence"
	"github.com/invoice-intake-pipeline/internal/platform/ratelimit"
	"github.com/invoice-intake-pipeline/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	// Initialize configuration
	cfg, err := config.LoadConfig("api_gateway")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg)

	log.Info("Starting API Gateway",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

	// Initialize databases with app context
	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, cfg.Application.Name, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	invoiceRepo := postgres.NewInvoiceRepository(log, postgresDB.Pool())
	auditRepo := mongo.NewAuditRepository(log, mongoDB.Database(), cfg.MongoDB.AuditCollection)
	if err := auditRepo.EnsureIndexes(appCtx); err != nil {
		log.Warn("Failed to ensure audit indexes", "error", err)
	}

	metrics := telemetry.New("api_gateway")

	docArchive, err := newArchive(appCtx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize document archive", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka producer for async submissions
	kafkaProducer, err := producers.NewSubmissionProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize submission Kafka producer", "error", err)
		os.Exit(1)
	}

	// Synchronous uploads run the pipeline in this process
	orchestrator, err := components.CreateOrchestrator(cfg, components.Collaborators{
		InvoiceRepo: invoiceRepo,
		AuditRepo:   auditRepo,
		Archive:     docArchive,
		Metrics:     metrics,
	}, log)
	if err != nil {
		log.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	invoiceService := service.NewInvoiceService(log, service.Dependencies{
		Orchestrator: orchestrator,
		Records:      invoiceRepo,
		AuditTrail:   auditRepo,
		Archive:      docArchive,
		Publisher:    kafkaProducer,
		Submissions:  metrics,
	})

	routerOpts := api_gateway.RouterOptions{Metrics: metrics.Handler()}
	var redisClient *redis.Client
	if cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		routerOpts.Limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate,
			bucketTTL(cfg.RateLimit))
		routerOpts.OnRateLimited = metrics.RateLimitRejected
		log.Info("Upload rate limiting enabled",
			"capacity", cfg.RateLimit.Capacity,
			"refill_per_second", cfg.RateLimit.RefillRate,
		)
	}

	// Initialize REST server
	server := api_gateway.NewServer(log, cfg, invoiceService, routerOpts)
	log.Info("REST server initialized")

	// Create error channel for server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Set up signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for a shutdown signal or error
	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	// Cancel the application context
	cancelAppCtx()

	// Create a shutdown context with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Graceful shutdown sequence
	log.Info("Starting graceful shutdown...")

	// Stop accepting requests before the stores go away
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	orchestrator.Close()

	if err = kafkaProducer.Close(); err != nil {
		log.Error("Error closing Kafka producer", "error", err)
	}

	if redisClient != nil {
		if err = redisClient.Close(); err != nil {
			log.Error("Error closing Redis client", "error", err)
		}
	}

	// Shutdown postgres connection pool
	postgresDB.Close()

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	// Final status
	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	}
	if err != nil {
		log.Error("Server shutdown completed with errors")
	} else {
		log.Info("Server shutdown completed successfully")
	}
}

// newArchive returns nil when no bucket is configured
func newArchive(ctx context.Context, cfg *config.Config, log *slog.Logger) (pipeline.DocumentArchive, error) {
	if cfg.Archive.Bucket == "" {
		log.Warn("ARCHIVE_BUCKET not set: async submissions and re-extraction are disabled")
		return nil, nil
	}
	client, err := archive.NewS3Client(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	return archive.NewS3Archive(client, cfg.Archive, log.With("component", "archive")), nil
}

// bucketTTL keeps an idle bucket around for twice the time it takes to refill
func bucketTTL(cfg config.RateLimitConfig) time.Duration {
	ttl := 2 * time.Duration(float64(cfg.Capacity)/cfg.RefillRate*float64(time.Second))
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
