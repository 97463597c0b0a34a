package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// Step names, in pipeline order
const (
	StepValidateFile   = "validate_file"
	StepExtract        = "extract"
	StepNormalize      = "normalize"
	StepValidateData   = "validate_data"
	StepDuplicateCheck = "duplicate_check"
	StepPersist        = "persist"
	StepAudit          = "audit"
)

// StepState is the lifecycle of one step within one run
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Step records what happened to one named stage of a run
type Step struct {
	Name      string        `json:"name"`
	State     StepState     `json:"state"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// stepDef is one entry of a declarative step list
type stepDef struct {
	name     string
	progress int // reported once the step completes
	skip     func(rc *runContext) bool
	run      func(ctx context.Context, rc *runContext) error
}

// runContext is the state threaded through the steps of one run
type runContext struct {
	correlationID string
	opts          Options
	logger        *slog.Logger
	startedAt     time.Time

	file       *document.File
	check      *document.FileCheck
	extraction *document.Extraction
	fields     *invoice.Fields
	hash       string
	duplicate  *dedupe.Result
	archiveKey string
	record     *invoice.Record // existing record when reprocessing, persisted record afterwards
	reprocess  bool
	unlock     func()
	steps      []*Step
}

func (rc *runContext) origin() audit.Origin {
	return audit.Origin{CorrelationID: rc.correlationID, UserID: rc.opts.UserID}
}

func (rc *runContext) invoiceID() *uuid.UUID {
	if rc.record == nil {
		return nil
	}
	id := rc.record.ID
	return &id
}

// isDuplicate reports whether the run ends in the duplicate branch
func (rc *runContext) isDuplicate() bool {
	return rc.duplicate != nil && rc.duplicate.IsDuplicate && !rc.opts.ForceReprocess
}

func (rc *runContext) release() {
	if rc.unlock != nil {
		rc.unlock()
		rc.unlock = nil
	}
}

func (o *Orchestrator) intakeSteps() []stepDef {
	return []stepDef{
		{name: StepValidateFile, progress: 10, run: o.validateFile},
		{name: StepExtract, progress: 30, run: o.extract},
		{name: StepNormalize, progress: 45, run: o.normalize},
		{name: StepValidateData, progress: 60, run: o.validateData, skip: skipValidation},
		{name: StepDuplicateCheck, progress: 75, run: o.checkDuplicates, skip: skipDuplicateCheck},
		{name: StepPersist, progress: 90, run: o.persist},
		{name: StepAudit, progress: 100, run: o.audit},
	}
}

// reprocessSteps re-extracts an archived file into an existing record
func (o *Orchestrator) reprocessSteps() []stepDef {
	return []stepDef{
		{name: StepExtract, progress: 30, run: o.extract},
		{name: StepNormalize, progress: 45, run: o.normalize},
		{name: StepValidateData, progress: 60, run: o.validateData, skip: skipValidation},
		{name: StepDuplicateCheck, progress: 75, run: o.checkDuplicates, skip: skipDuplicateCheck},
		{name: StepPersist, progress: 90, run: o.persistExisting},
		{name: StepAudit, progress: 100, run: o.audit},
	}
}

func skipValidation(rc *runContext) bool     { return rc.opts.SkipValidation }
func skipDuplicateCheck(rc *runContext) bool { return rc.opts.SkipDuplicateCheck }

// execute runs defs in order, recording each transition, and stops at the first failure
func (o *Orchestrator) execute(ctx context.Context, rc *runContext, defs []stepDef) error {
	rc.steps = make([]*Step, len(defs))
	for i, def := range defs {
		rc.steps[i] = &Step{Name: def.name, State: StepPending}
	}

	progress := 0
	for i, def := range defs {
		step := rc.steps[i]
		if def.skip != nil && def.skip(rc) {
			step.State = StepSkipped
			progress = def.progress
			rc.logger.Debug("step skipped", "step", def.name)
			continue
		}

		step.State = StepRunning
		step.StartedAt = o.now()
		o.track(rc, tracking.StateProcessing, progress, def.name, "")

		err := def.run(ctx, rc)

		step.EndedAt = o.now()
		step.Duration = step.EndedAt.Sub(step.StartedAt)
		o.metrics.RecordStepDuration(def.name, step.Duration)

		if err != nil {
			step.State = StepFailed
			step.Error = err.Error()
			rc.logger.Warn("step failed", "step", def.name, "duration", step.Duration, "error", err)
			return &StepError{Step: def.name, CorrelationID: rc.correlationID, Err: err, Steps: rc.stepSnapshot()}
		}

		step.State = StepCompleted
		progress = def.progress
		rc.logger.Debug("step completed", "step", def.name, "duration", step.Duration)
	}
	return nil
}

// stepSnapshot copies the step records of the run
func (rc *runContext) stepSnapshot() []Step {
	out := make([]Step, len(rc.steps))
	for i, s := range rc.steps {
		out[i] = *s
	}
	return out
}

// StepSummary renders steps as "name=state(duration)" pairs for one log line
func StepSummary(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		switch s.State {
		case StepCompleted, StepFailed:
			parts = append(parts, fmt.Sprintf("%s=%s(%s)", s.Name, s.State, s.Duration))
		default:
			parts = append(parts, s.Name+"="+string(s.State))
		}
	}
	return strings.Join(parts, " ")
}

func (o *Orchestrator) validateFile(ctx context.Context, rc *runContext) error {
	if rc.file == nil || len(rc.file.Data) == 0 {
		return shared.NewValidationError("no file provided")
	}

	check, err := o.fileGuard.ValidateFile(ctx, rc.file)
	if err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewProcessingError("file validation could not run", err)
		})
	}
	if check == nil || !check.IsValid {
		var details []string
		if check != nil {
			details = check.Errors
		}
		return shared.NewValidationError("file validation failed", details...)
	}
	rc.check = check
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, rc *runContext) error {
	extraction, err := o.extractor.ProcessDocument(ctx, rc.file)
	if err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError(fmt.Sprintf("extraction engine %s failed", o.extractor.Name()), err)
		})
	}
	if extraction == nil || !extraction.Success {
		reason := "no result"
		if extraction != nil && extraction.Error != "" {
			reason = extraction.Error
		}
		return shared.NewExternalServiceError(
			fmt.Sprintf("extraction engine %s could not read the document", o.extractor.Name()),
			errors.New(reason))
	}
	rc.extraction = extraction
	return nil
}

func (o *Orchestrator) normalize(ctx context.Context, rc *runContext) error {
	fields, err := o.normalizer.ExtractAndValidateData(ctx, rc.extraction)
	if err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewProcessingError("failed to normalize extracted data", err)
		})
	}
	if fields == nil {
		return shared.NewProcessingError("normalizer returned no invoice data", nil)
	}
	rc.fields = fields
	rc.hash = o.detector.GenerateContentHash(fields)
	return nil
}

func (o *Orchestrator) validateData(ctx context.Context, rc *runContext) error {
	result, err := o.validator.ValidateInvoiceData(ctx, rc.fields)
	if err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewProcessingError("invoice data validation could not run", err)
		})
	}
	if result == nil || !result.IsValid {
		var details []string
		if result != nil {
			details = result.Errors
		}
		return shared.NewValidationError("invoice data validation failed", details...)
	}
	return nil
}

func (o *Orchestrator) checkDuplicates(ctx context.Context, rc *runContext) error {
	// Held until the run ends, so check and persist are atomic per content hash.
	unlock, err := o.locks.Lock(ctx, rc.hash)
	if err != nil {
		return shared.NewProcessingError("interrupted waiting for duplicate check", err)
	}
	rc.unlock = unlock

	candidate := &dedupe.Candidate{Fields: rc.fields, ContentHash: rc.hash}
	if rc.reprocess && rc.record != nil {
		candidate.ExcludeID = rc.record.ID
	}

	result, err := o.detector.CheckForDuplicates(ctx, candidate)
	if err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("duplicate detection failed", err)
		})
	}
	if result == nil {
		result = &dedupe.Result{Method: dedupe.MethodCombined, Confidence: 1.0}
	}
	rc.duplicate = result
	if result.IsDuplicate {
		rc.logger.Info("duplicate invoice detected",
			"method", result.Method,
			"original_id", result.OriginalInvoiceID.String(),
			"force_reprocess", rc.opts.ForceReprocess)
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, rc *runContext) error {
	rc.archiveKey = rc.opts.ArchiveKey
	if rc.archiveKey == "" && o.archive != nil {
		key := ArchiveKey(rc.correlationID, rc.file.Name)
		if err := o.archive.Store(ctx, key, rc.file); err != nil {
			// Without the archived copy a later reprocess cannot re-extract; intake still succeeds.
			rc.logger.Warn("failed to archive original document", "archive_key", key, "error", err)
		} else {
			rc.archiveKey = key
		}
	}

	status := invoice.StatusCompleted
	if rc.isDuplicate() {
		status = invoice.StatusDuplicate
	}

	record := invoice.NewRecord(rc.fields, rc.metadata(), status, o.now())
	record.ContentHash = rc.hash
	if status == invoice.StatusDuplicate {
		original := *rc.duplicate.OriginalInvoiceID
		record.DuplicateOf = &original
	}

	if err := o.repo.Create(ctx, record); err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to persist invoice", err)
		})
	}
	rc.record = record
	rc.logger = rc.logger.With("invoice_id", record.ID.String())
	rc.logger.Info("invoice persisted", "status", record.Status)
	return nil
}

// persistExisting settles a record that is being reprocessed
func (o *Orchestrator) persistExisting(ctx context.Context, rc *runContext) error {
	record := rc.record
	record.ApplyFields(rc.fields, rc.hash)
	if rc.extraction != nil {
		record.Metadata.ExtractionEngine = rc.extraction.Engine
		if rc.extraction.PageCount > 0 {
			record.Metadata.PageCount = rc.extraction.PageCount
		}
	}
	record.Metadata.CorrelationID = rc.correlationID
	record.Metadata.FailureReason = ""

	target := invoice.StatusCompleted
	record.DuplicateOf = nil
	if rc.isDuplicate() {
		target = invoice.StatusDuplicate
		original := *rc.duplicate.OriginalInvoiceID
		record.DuplicateOf = &original
	}
	if err := record.Transition(target, o.now()); err != nil {
		return err
	}

	if err := o.repo.Update(ctx, record); err != nil {
		return classify(err, func(err error) *shared.Error {
			return shared.NewExternalServiceError("failed to update invoice", err)
		})
	}
	rc.logger.Info("invoice reprocessed", "status", record.Status)
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, rc *runContext) error {
	switch {
	case rc.isDuplicate():
		o.safely(rc.logger, "audit duplicate detected", func() {
			o.auditSink.LogDuplicateDetected(ctx, rc.record, rc.duplicate, rc.origin())
		})
	case !rc.reprocess:
		o.safely(rc.logger, "audit invoice created", func() {
			o.auditSink.LogInvoiceCreated(ctx, rc.record, rc.origin())
		})
	}
	return nil
}

func (rc *runContext) metadata() invoice.Metadata {
	meta := invoice.Metadata{
		FileName:      rc.file.Name,
		FileSize:      rc.file.Size,
		ContentType:   rc.file.ContentType,
		UserID:        rc.opts.UserID,
		CorrelationID: rc.correlationID,
		ArchiveKey:    rc.archiveKey,
	}
	if meta.FileSize == 0 {
		meta.FileSize = int64(len(rc.file.Data))
	}
	if rc.check != nil {
		if rc.check.DetectedType != "" {
			meta.ContentType = rc.check.DetectedType
		}
		meta.PageCount = rc.check.PageCount
	}
	if rc.extraction != nil {
		meta.ExtractionEngine = rc.extraction.Engine
		if meta.PageCount == 0 {
			meta.PageCount = rc.extraction.PageCount
		}
	}
	if len(rc.opts.Metadata) > 0 {
		meta.Custom = make(map[string]string, len(rc.opts.Metadata))
		for k, v := range rc.opts.Metadata {
			meta.Custom[k] = v
		}
	}
	return meta
}

// ArchiveKey builds the archive object key for an upload: "<correlationID>/<base name>"
func ArchiveKey(correlationID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return correlationID + "/" + name
}
