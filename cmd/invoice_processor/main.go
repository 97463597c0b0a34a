package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/data/mongo"
	"github.com/invoice-intake-pipeline/internal/data/postgres"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/components"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/consumer"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/reaper"
	"github.com/invoice-intake-pipeline/internal/invoice_processor/service"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/invoice-intake-pipeline/internal/platform/archive"
	"github.com/invoice-intake-pipeline/internal/platform/messaging/consumers"
	"github.com/invoice-intake-pipeline/internal/platform/messaging/producers"
	"github.com/invoice-intake-pipeline/internal/platform/persistence"
	"github.com/invoice-intake-pipeline/internal/telemetry"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	// Initialize configuration
	cfg, err := config.LoadConfig("invoice_processor")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg)

	log.Info("Starting Invoice Processor",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
	)

	if cfg.Archive.Bucket == "" {
		log.Error("ARCHIVE_BUCKET is required: queued submissions are read from the archive")
		os.Exit(1)
	}

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

	s3Client, err := archive.NewS3Client(appCtx, cfg.Archive)
	if err != nil {
		log.Error("Failed to initialize S3 client", "error", err)
		os.Exit(1)
	}
	docArchive := archive.NewS3Archive(s3Client, cfg.Archive, log.With("component", "archive"))

	metrics := telemetry.New("invoice_processor")

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

	// Initialize Kafka consumer
	kafkaConsumer := consumers.NewKafkaConsumer(log, &cfg.Kafka)

	// Initialize Kafka DLQ producer
	dlqProducer, err := producers.NewDLQProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}

	baseService := service.NewProcessingService(orchestrator, docArchive, metrics, log.With("component", "processing_service"))
	workerPool, err := service.NewWorkerPoolProcessingService(
		baseService,
		service.WorkerPoolConfig{Size: cfg.WorkerPool.Size},
		log.With("component", "worker_pool"),
	)
	if err != nil {
		log.Error("Failed to create worker pool", "error", err)
		os.Exit(1)
	}
	log.Info("Created worker pool processing service", "pool_size", cfg.WorkerPool.Size)

	submissionHandler := consumer.NewSubmissionHandler(log, workerPool, dlqProducer, metrics)

	staleReaper := reaper.NewReaper(
		&cfg.Reaper,
		invoiceRepo,
		components.NewAuditRecorder(auditRepo, log.With("component", "audit_recorder")),
		metrics,
		log.With("component", "reaper"),
	)

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	// Create error channel for service errors
	errChan := make(chan error, 2)

	// Create wait group for graceful shutdown
	var wg sync.WaitGroup

	log.Info("Starting Kafka consumer",
		"topic", cfg.Kafka.SubmissionTopic,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := kafkaConsumer.Subscribe(appCtx, submissionHandler.HandleMessage); err != nil {
		log.Error("Failed to start Kafka consumer", "error", err)
		os.Exit(1)
	}

	// Start stale run reaper in a goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		staleReaper.Start(appCtx)
	}()

	go func() {
		log.Info("Starting metrics server", "port", cfg.Server.Port)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Set up signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for a shutdown signal or error
	var serviceErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Service error occurred", "error", err)
		serviceErr = err
	}

	// Cancel the application context
	cancelAppCtx()

	// Create a shutdown context with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Graceful shutdown sequence
	log.Info("Starting graceful shutdown...")

	// Wait for the consumer loop and the reaper to finish
	log.Info("Waiting for services to stop...")
	wgChan := make(chan struct{})
	go func() {
		<-kafkaConsumer.Done()
		wg.Wait()
		close(wgChan)
	}()

	select {
	case <-wgChan:
		log.Info("All services stopped successfully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	workerPool.Shutdown()
	orchestrator.Close()

	if err = metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error stopping metrics server", "error", err)
	}

	if err = dlqProducer.Close(); err != nil {
		log.Error("Error closing DLQ Kafka producer", "error", err)
	}

	// Close Kafka consumer
	if err = kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
	}

	// Shutdown postgres connection pool
	postgresDB.Close()

	// Close MongoDB connection
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err = mongoDB.Close(closeCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	// Final status
	if serviceErr != nil {
		log.Error("Invoice Processor shutdown with errors", "error", serviceErr)
	}
	if err != nil {
		log.Error("Invoice Processor shutdown completed with errors")
	} else {
		log.Info("Invoice Processor shutdown completed successfully")
	}
}
