package service

import (
	"context"
	"log/slog"

	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/panjf2000/ants/v2"
)

// WorkerPoolProcessingService bounds concurrent pipeline runs with an ants pool
type WorkerPoolProcessingService struct {
	baseService ProcessingService
	pool        *ants.Pool
	logger      *slog.Logger
}

type WorkerPoolConfig struct {
	Size int
}

func NewWorkerPoolProcessingService(
	baseService ProcessingService,
	config WorkerPoolConfig,
	logger *slog.Logger,
) (*WorkerPoolProcessingService, error) {
	pool, err := ants.NewPool(config.Size)
	if err != nil {
		return nil, err
	}

	return &WorkerPoolProcessingService{
		baseService: baseService,
		pool:        pool,
		logger:      logger,
	}, nil
}

// ProcessSubmission runs the submission on a pool worker and waits for its result.
// Submit blocks while every worker is busy.
func (s *WorkerPoolProcessingService) ProcessSubmission(ctx context.Context, msg *submission.Message) error {
	logger := s.logger.With("correlation_id", msg.CorrelationID)
	logger.Debug("Submitting invoice to worker pool", "archive_key", msg.ArchiveKey)

	resultChan := make(chan error, 1)
	msgCopy := *msg

	err := s.pool.Submit(func() {
		resultChan <- s.baseService.ProcessSubmission(ctx, &msgCopy)
	})
	if err != nil {
		logger.Error("Failed to submit invoice to worker pool", "error", err)
		return err
	}

	return <-resultChan
}

// Shutdown releases the pool. Later submissions fail with ants.ErrPoolClosed.
func (s *WorkerPoolProcessingService) Shutdown() {
	s.logger.Info("Shutting down worker pool", "running_workers", s.pool.Running())
	s.pool.Release()
}

// Running returns the number of running workers in the pool.
func (s *WorkerPoolProcessingService) Running() int {
	return s.pool.Running()
}

// Capacity returns the capacity of the worker pool.
func (s *WorkerPoolProcessingService) Capacity() int {
	return s.pool.Cap()
}
