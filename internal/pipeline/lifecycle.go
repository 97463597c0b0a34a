package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// CancelReason is recorded on records failed by CancelProcessing
const CancelReason = "Processing cancelled by user"

// ReprocessInvoice runs an existing record through the pipeline again.
// When the original document is archived it is re-extracted; otherwise the
// record is moved straight to COMPLETED.
func (o *Orchestrator) ReprocessInvoice(ctx context.Context, id uuid.UUID, opts Options) (*invoice.Record, error) {
	record, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.IsReprocessable() && !opts.ForceReprocess {
		return nil, shared.NewInvalidStateError(
			fmt.Sprintf("invoice %s is %s and cannot be reprocessed without force", id, record.Status))
	}

	rc := o.newRun(opts)
	rc.record = record
	rc.reprocess = true
	rc.logger = rc.logger.With("invoice_id", id.String())
	defer o.tracker.ScheduleEviction(rc.correlationID)
	defer rc.release()

	previous := record.Status
	if err := record.Transition(invoice.StatusProcessing, o.now()); err != nil {
		o.tracker.Remove(rc.correlationID)
		return nil, err
	}
	if err := o.repo.Update(ctx, record); err != nil {
		o.tracker.Remove(rc.correlationID)
		return nil, classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to mark invoice as processing", err)
		})
	}
	o.safely(rc.logger, "audit processing retried", func() {
		o.auditSink.LogProcessingRetried(ctx, record, previous, rc.origin())
	})
	o.track(rc, tracking.StateProcessing, 0, "reprocess", "")
	rc.logger.Info("reprocessing invoice", "previous_status", previous, "attempts", record.ProcessingAttempts)

	file, err := o.fetchArchived(ctx, record)
	if err != nil {
		stepErr := &StepError{Step: StepExtract, CorrelationID: rc.correlationID, Err: err}
		o.failRecord(ctx, rc, stepErr)
		o.fail(ctx, rc, stepErr)
		return nil, stepErr
	}

	if file == nil {
		// Nothing to re-extract: settle the record as it is.
		if err := record.Transition(invoice.StatusCompleted, o.now()); err != nil {
			return nil, err
		}
		record.Metadata.FailureReason = ""
		if err := o.repo.Update(ctx, record); err != nil {
			stepErr := &StepError{Step: StepPersist, CorrelationID: rc.correlationID, Err: classify(err, func(err error) *shared.Error {
				return shared.NewExternalServiceError("failed to update invoice", err)
			})}
			o.fail(ctx, rc, stepErr)
			return nil, stepErr
		}
		o.succeed(ctx, rc)
		return record, nil
	}

	rc.file = file
	if err := o.execute(ctx, rc, o.reprocessSteps()); err != nil {
		o.failRecord(ctx, rc, err)
		o.fail(ctx, rc, err)
		return nil, err
	}
	o.succeed(ctx, rc)
	return record, nil
}

// fetchArchived returns the archived original, or nil when none is available
func (o *Orchestrator) fetchArchived(ctx context.Context, record *invoice.Record) (*document.File, error) {
	key := record.Metadata.ArchiveKey
	if o.archive == nil || key == "" {
		return nil, nil
	}
	file, err := o.archive.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			o.logger.Warn("archived document missing, reprocessing without re-extraction",
				"invoice_id", record.ID.String(), "archive_key", key)
			return nil, nil
		}
		return nil, classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to fetch archived document", err)
		})
	}
	return file, nil
}

// failRecord moves a reprocessed record to FAILED, best-effort
func (o *Orchestrator) failRecord(ctx context.Context, rc *runContext, cause error) {
	record := rc.record
	if record.Status != invoice.StatusProcessing {
		return
	}
	if err := record.Transition(invoice.StatusFailed, o.now()); err != nil {
		rc.logger.Error("failed to mark invoice as failed", "error", err)
		return
	}
	record.Metadata.FailureReason = cause.Error()
	if err := o.repo.Update(ctx, record); err != nil {
		rc.logger.Error("failed to persist failed invoice", "error", err)
	}
}

// GetProcessingStatus returns the live snapshot for an invoice, or one derived
// from its persisted status when no run is tracked.
func (o *Orchestrator) GetProcessingStatus(ctx context.Context, id uuid.UUID) (*tracking.Status, error) {
	if s, ok := o.tracker.FindByInvoiceID(id); ok {
		return &s, nil
	}
	record, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return DeriveStatus(record), nil
}

// GetRunStatus returns the live snapshot of a run by correlation id
func (o *Orchestrator) GetRunStatus(correlationID string) (*tracking.Status, error) {
	s, ok := o.tracker.Get(correlationID)
	if !ok {
		return nil, shared.NewNotFoundError(fmt.Sprintf("no tracked run for correlation id %s", correlationID))
	}
	return &s, nil
}

// DeriveStatus maps a persisted status onto an approximate progress snapshot
func DeriveStatus(record *invoice.Record) *tracking.Status {
	var (
		state    string
		progress int
	)
	switch record.Status {
	case invoice.StatusUploaded:
		state, progress = tracking.StatePending, 0
	case invoice.StatusProcessing:
		state, progress = tracking.StateProcessing, 50
	case invoice.StatusCompleted:
		state, progress = tracking.StateCompleted, 100
	case invoice.StatusFailed:
		state, progress = tracking.StateFailed, 0
	case invoice.StatusDuplicate:
		state, progress = tracking.StateDuplicateDetected, 100
	default:
		state = string(record.Status)
	}

	id := record.ID
	return &tracking.Status{
		CorrelationID: record.Metadata.CorrelationID,
		InvoiceID:     &id,
		Status:        state,
		Progress:      progress,
		CurrentStep:   state,
		StartedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
		Error:         record.Metadata.FailureReason,
	}
}

// CancelProcessing drops live tracking for the invoice and, if it is PROCESSING,
// marks it FAILED. A running step is not interrupted.
func (o *Orchestrator) CancelProcessing(ctx context.Context, id uuid.UUID) error {
	removed := o.tracker.RemoveByInvoiceID(id)

	record, err := o.load(ctx, id)
	if err != nil {
		return err
	}
	logger := o.logger.With("invoice_id", id.String())

	if record.Status != invoice.StatusProcessing {
		logger.Info("cancel requested for invoice that is not processing",
			"status", record.Status, "tracked_runs_removed", removed)
		return nil
	}

	if err := record.Transition(invoice.StatusFailed, o.now()); err != nil {
		return err
	}
	record.Metadata.FailureReason = CancelReason
	if err := o.repo.Update(ctx, record); err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to cancel invoice processing", err)
		})
	}

	origin := originOf(record)
	o.safely(logger, "audit processing cancelled", func() {
		o.auditSink.LogProcessingCancelled(ctx, record, CancelReason, origin)
	})
	logger.Info("invoice processing cancelled", "tracked_runs_removed", removed)
	return nil
}

// Statistics summarizes stored invoices and this instance's run counters
type Statistics struct {
	Total           int64                    `json:"total"`
	ByStatus        map[invoice.Status]int64 `json:"by_status"`
	ActiveRuns      int                      `json:"active_runs"`
	TrackedRuns     int                      `json:"tracked_runs"`
	Succeeded       int64                    `json:"succeeded"`
	Failed          int64                    `json:"failed"`
	Duplicates      int64                    `json:"duplicates"`
	AverageDuration time.Duration            `json:"average_duration"`
}

func (o *Orchestrator) GetProcessingStatistics(ctx context.Context) (*Statistics, error) {
	byStatus, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return nil, classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to count invoices", err)
		})
	}

	stats := &Statistics{
		ByStatus:    byStatus,
		ActiveRuns:  o.tracker.Active(),
		TrackedRuns: o.tracker.Len(),
		Succeeded:   o.stats.succeeded.Load(),
		Failed:      o.stats.failed.Load(),
		Duplicates:  o.stats.duplicates.Load(),
	}
	for _, n := range byStatus {
		stats.Total += n
	}
	if finished := o.stats.finished.Load(); finished > 0 {
		stats.AverageDuration = time.Duration(o.stats.totalDuration.Load() / finished)
	}
	return stats, nil
}

// Health states
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Health is the orchestrator's view of itself and its collaborators
type Health struct {
	Status       string          `json:"status"`
	ActiveCount  int             `json:"active_count"`
	Dependencies map[string]bool `json:"dependencies"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// HealthCheck pings the repository and every collaborator that can report its health
func (o *Orchestrator) HealthCheck(ctx context.Context) *Health {
	checks := map[string]any{
		"repository": o.repo,
		"extractor":  o.extractor,
		"audit":      o.auditSink,
		"archive":    o.archive,
	}

	h := &Health{
		Status:       HealthHealthy,
		ActiveCount:  o.tracker.Active(),
		Dependencies: make(map[string]bool, len(checks)),
		CheckedAt:    o.now(),
	}
	for name, dep := range checks {
		pinger, ok := dep.(Pinger)
		if !ok {
			continue
		}
		err := pinger.Ping(ctx)
		h.Dependencies[name] = err == nil
		if err != nil {
			h.Status = HealthDegraded
			o.logger.Warn("dependency unhealthy", "dependency", name, "error", err)
		}
	}
	return h
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*invoice.Record, error) {
	record, err := o.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, invoice.ErrRecordNotFound{}) || errors.Is(err, shared.ErrNotFound) {
			return nil, shared.NewNotFoundError(fmt.Sprintf("invoice %s not found", id))
		}
		return nil, classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to load invoice", err)
		})
	}
	return record, nil
}

func originOf(record *invoice.Record) audit.Origin {
	return audit.Origin{CorrelationID: record.Metadata.CorrelationID, UserID: record.Metadata.UserID}
}
