// Package pipeline drives an uploaded document through validation, extraction,
// normalization, duplicate detection, persistence and audit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// Options tune a single run
type Options struct {
	ForceReprocess     bool
	SkipDuplicateCheck bool
	SkipValidation     bool
	UserID             string
	CorrelationID      string            // generated when empty
	Metadata           map[string]string // copied into the record's custom metadata
	ArchiveKey         string            // set when the file is already archived (async submissions)
}

// Config tunes the orchestrator's status tracker
type Config struct {
	StatusRetention time.Duration
	StatusCapacity  int
}

// Dependencies are the collaborators the orchestrator calls through.
// Archive, Audit and Metrics are optional.
type Dependencies struct {
	FileGuard  FileGuard
	Extractor  Extractor
	Normalizer Normalizer
	Validator  Validator
	Detector   DuplicateDetector
	Repository Repository
	Audit      AuditSink
	Metrics    MetricsSink
	Archive    DocumentArchive
}

type counters struct {
	succeeded     atomic.Int64
	failed        atomic.Int64
	duplicates    atomic.Int64
	finished      atomic.Int64
	totalDuration atomic.Int64 // nanoseconds over finished runs
}

type Orchestrator struct {
	fileGuard  FileGuard
	extractor  Extractor
	normalizer Normalizer
	validator  Validator
	detector   DuplicateDetector
	repo       Repository
	auditSink  AuditSink
	metrics    MetricsSink
	archive    DocumentArchive

	tracker *tracking.Tracker
	locks   *keyLock
	stats   counters
	logger  *slog.Logger
	now     func() time.Time
}

func NewOrchestrator(deps Dependencies, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	var missing []string
	if deps.FileGuard == nil {
		missing = append(missing, "file guard")
	}
	if deps.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if deps.Normalizer == nil {
		missing = append(missing, "normalizer")
	}
	if deps.Validator == nil {
		missing = append(missing, "validator")
	}
	if deps.Detector == nil {
		missing = append(missing, "duplicate detector")
	}
	if deps.Repository == nil {
		missing = append(missing, "repository")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing dependencies: %v", missing)
	}

	o := &Orchestrator{
		fileGuard:  deps.FileGuard,
		extractor:  deps.Extractor,
		normalizer: deps.Normalizer,
		validator:  deps.Validator,
		detector:   deps.Detector,
		repo:       deps.Repository,
		auditSink:  deps.Audit,
		metrics:    deps.Metrics,
		archive:    deps.Archive,
		tracker:    tracking.New(cfg.StatusCapacity, cfg.StatusRetention, logger.With("component", "status_tracker")),
		locks:      newKeyLock(),
		logger:     logger,
		now:        time.Now,
	}
	if o.auditSink == nil {
		o.auditSink = noopAudit{}
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	return o, nil
}

// Close stops the status tracker's eviction timers
func (o *Orchestrator) Close() {
	o.tracker.Close()
}

// ProcessInvoice runs the intake steps for one uploaded file.
// A detected duplicate (without ForceReprocess) is persisted as DUPLICATE and returned
// as success. Any step failure is returned as a *StepError wrapping the original error.
func (o *Orchestrator) ProcessInvoice(ctx context.Context, file *document.File, opts Options) (*invoice.Record, error) {
	rc := o.newRun(opts)
	rc.file = file
	defer o.tracker.ScheduleEviction(rc.correlationID)
	defer rc.release()

	fileName := ""
	if file != nil {
		fileName = file.Name
	}
	rc.logger.Info("processing invoice", "file_name", fileName, "user_id", opts.UserID)

	if err := o.execute(ctx, rc, o.intakeSteps()); err != nil {
		o.fail(ctx, rc, err)
		return nil, err
	}
	o.succeed(ctx, rc)
	return rc.record, nil
}

func (o *Orchestrator) newRun(opts Options) *runContext {
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	opts.CorrelationID = correlationID

	rc := &runContext{
		correlationID: correlationID,
		opts:          opts,
		logger:        o.logger.With("correlation_id", correlationID),
		startedAt:     o.now(),
	}
	o.track(rc, tracking.StatePending, 0, "queued", "")
	return rc
}

// succeed runs the success-path side effects and publishes the terminal status
func (o *Orchestrator) succeed(ctx context.Context, rc *runContext) {
	elapsed := o.now().Sub(rc.startedAt)
	o.stats.finished.Add(1)
	o.stats.totalDuration.Add(int64(elapsed))

	if rc.isDuplicate() {
		o.stats.duplicates.Add(1)
		o.safely(rc.logger, "duplicate metric", func() {
			o.metrics.RecordDuplicate(string(rc.duplicate.Method))
		})
		o.track(rc, tracking.StateDuplicateDetected, 100, tracking.StateDuplicateDetected, "")
		rc.logger.Info("invoice flagged as duplicate",
			"duplicate_of", rc.record.DuplicateOf.String(),
			"method", rc.duplicate.Method,
			"duration", elapsed,
			"steps", StepSummary(rc.stepSnapshot()))
		return
	}

	o.stats.succeeded.Add(1)
	o.safely(rc.logger, "audit processing completed", func() {
		o.auditSink.LogProcessingCompleted(ctx, rc.record, rc.origin())
	})
	o.safely(rc.logger, "success metric", func() {
		o.metrics.RecordProcessingSuccess(elapsed)
	})
	o.track(rc, tracking.StateCompleted, 100, tracking.StateCompleted, "")
	rc.logger.Info("invoice processed", "status", rc.record.Status, "duration", elapsed,
		"steps", StepSummary(rc.stepSnapshot()))
}

// fail runs the failure-path side effects. None of them may mask err.
func (o *Orchestrator) fail(ctx context.Context, rc *runContext, err error) {
	elapsed := o.now().Sub(rc.startedAt)
	step := FailedStep(err)
	o.stats.failed.Add(1)
	o.stats.finished.Add(1)
	o.stats.totalDuration.Add(int64(elapsed))

	o.safely(rc.logger, "failure metric", func() {
		o.metrics.RecordProcessingFailure(step, elapsed)
	})

	invoiceID := uuid.Nil
	if rc.record != nil {
		invoiceID = rc.record.ID
	}
	o.safely(rc.logger, "audit processing failed", func() {
		o.auditSink.LogProcessingFailed(ctx, invoiceID, step, errors.Unwrap(err), rc.origin())
	})

	progress := 0
	if s, ok := o.tracker.Get(rc.correlationID); ok {
		progress = s.Progress
	}
	o.track(rc, tracking.StateFailed, progress, step, err.Error())
	rc.logger.Error("invoice processing failed", "step", step, "duration", elapsed, "error", err,
		"steps", StepSummary(rc.stepSnapshot()))
}

// track publishes a fresh snapshot of the run
func (o *Orchestrator) track(rc *runContext, state string, progress int, currentStep, errMsg string) {
	o.tracker.Put(tracking.Status{
		CorrelationID: rc.correlationID,
		InvoiceID:     rc.invoiceID(),
		Status:        state,
		Progress:      progress,
		CurrentStep:   currentStep,
		StartedAt:     rc.startedAt,
		UpdatedAt:     o.now(),
		Error:         errMsg,
	})
}

// safely runs a best-effort side effect, logging instead of propagating a panic
func (o *Orchestrator) safely(logger *slog.Logger, effect string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("side effect failed", "effect", effect, "panic", r)
		}
	}()
	fn()
}
