// Package reaper fails invoice records left in PROCESSING by a run that never finished.
//
// Run status lives in process memory, so a crash or restart mid-run leaves the
// durable record stuck in PROCESSING, where reprocessing refuses to touch it.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
)

// RecordStore is the subset of the invoice store the reaper needs
type RecordStore interface {
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*invoice.Record, error)
	Update(ctx context.Context, record *invoice.Record) error
}

// InterruptionRecorder writes the audit entry for a reaped record
type InterruptionRecorder interface {
	LogProcessingInterrupted(ctx context.Context, record *invoice.Record, reason string)
}

// ReapCounter counts reaped records
type ReapCounter interface {
	RecordsReaped(n int)
}

// Reaper periodically fails stale PROCESSING records
type Reaper struct {
	store      RecordStore
	recorder   InterruptionRecorder
	counter    ReapCounter
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

// NewReaper creates a reaper. recorder and counter may be nil.
func NewReaper(
	cfg *config.ReaperConfig,
	store RecordStore,
	recorder InterruptionRecorder,
	counter ReapCounter,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		store:      store,
		recorder:   recorder,
		counter:    counter,
		logger:     logger,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batchSize:  cfg.BatchSize,
		now:        time.Now,
	}
}

// Start sweeps on every tick until ctx is cancelled
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("Starting stale run reaper",
		"interval", r.interval.String(),
		"stale_after", r.staleAfter.String(),
		"batch_size", r.batchSize,
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stale run reaper stopping due to context cancellation.")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Error during stale run sweep", "error", err)
			}
		}
	}
}

// Sweep fails one batch of stale records and returns how many were reaped
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)

	records, err := r.store.ListStaleProcessing(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale processing records: %w", err)
	}
	if len(records) == 0 {
		r.logger.Debug("No stale processing records found.")
		return 0, nil
	}

	reaped := 0
	for _, record := range records {
		logger := r.logger.With("invoice_id", record.ID.String(), "correlation_id", record.Metadata.CorrelationID)
		stuckSince := record.UpdatedAt

		if err := record.Transition(invoice.StatusFailed, now); err != nil {
			logger.Warn("Skipping record that can no longer be failed", "status", string(record.Status), "error", err)
			continue
		}
		reason := fmt.Sprintf("processing interrupted: no progress since %s", stuckSince.UTC().Format(time.RFC3339))
		record.Metadata.FailureReason = reason

		if err := r.store.Update(ctx, record); err != nil {
			if errors.Is(err, invoice.ErrRecordNotFound{}) {
				logger.Warn("Stale record disappeared before it could be failed")
				continue
			}
			if errors.Is(err, invoice.ErrConcurrentModification{}) {
				logger.Info("Stale record moved on before it could be failed")
				continue
			}
			logger.Error("Failed to fail stale record", "error", err)
			continue
		}

		if r.recorder != nil {
			r.recorder.LogProcessingInterrupted(ctx, record, reason)
		}
		logger.Warn("Failed stale processing record", "stuck_since", stuckSince)
		reaped++
	}

	if reaped > 0 && r.counter != nil {
		r.counter.RecordsReaped(reaped)
	}
	return reaped, nil
}
