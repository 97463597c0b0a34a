package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/platform/messaging/producers"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// Dependencies groups what the invoice service talks to. Archive, Publisher and
// Submissions may be nil, which disables asynchronous submission.
type Dependencies struct {
	Orchestrator Orchestrator
	Records      RecordReader
	AuditTrail   audit.Repository
	Archive      pipeline.DocumentArchive
	Publisher    producers.SubmissionPublisher
	Submissions  SubmissionCounter
}

// InvoiceServiceImpl implements the InvoiceService interface
type InvoiceServiceImpl struct {
	orchestrator Orchestrator
	records      RecordReader
	auditTrail   audit.Repository
	archive      pipeline.DocumentArchive
	publisher    producers.SubmissionPublisher
	submissions  SubmissionCounter
	logger       *slog.Logger
	now          func() time.Time
}

// NewInvoiceService creates a new invoice service
func NewInvoiceService(logger *slog.Logger, deps Dependencies) InvoiceService {
	return &InvoiceServiceImpl{
		orchestrator: deps.Orchestrator,
		records:      deps.Records,
		auditTrail:   deps.AuditTrail,
		archive:      deps.Archive,
		publisher:    deps.Publisher,
		submissions:  deps.Submissions,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *InvoiceServiceImpl) Submit(ctx context.Context, file *document.File, opts pipeline.Options) (*invoice.Record, error) {
	return s.orchestrator.ProcessInvoice(ctx, file, opts)
}

// SubmitAsync stores the original under "<correlation id>/<file name>" and publishes
// a submission message pointing at it. Nothing is published if archiving fails.
func (s *InvoiceServiceImpl) SubmitAsync(ctx context.Context, file *document.File, opts pipeline.Options) (*Receipt, error) {
	if s.archive == nil || s.publisher == nil {
		return nil, shared.NewValidationError("asynchronous submission is not enabled on this gateway")
	}
	if file == nil || len(file.Data) == 0 {
		return nil, shared.NewValidationError("file is empty")
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := s.logger.With("correlation_id", correlationID, "file_name", file.Name)

	key := pipeline.ArchiveKey(correlationID, file.Name)
	if err := s.archive.Store(ctx, key, file); err != nil {
		logger.Error("Failed to archive submission", "archive_key", key, "error", err)
		return nil, shared.NewExternalServiceError("failed to archive document", err)
	}

	size := file.Size
	if size == 0 {
		size = int64(len(file.Data))
	}
	submittedAt := s.now().UTC()
	msg := &submission.Message{
		CorrelationID:      correlationID,
		ArchiveKey:         key,
		FileName:           file.Name,
		ContentType:        file.ContentType,
		Size:               size,
		UserID:             opts.UserID,
		ForceReprocess:     opts.ForceReprocess,
		SkipDuplicateCheck: opts.SkipDuplicateCheck,
		SkipValidation:     opts.SkipValidation,
		Metadata:           opts.Metadata,
		SubmittedAt:        submittedAt,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		logger.Error("Failed to publish submission", "archive_key", key, "error", err)
		return nil, shared.NewExternalServiceError("failed to enqueue submission", err)
	}
	if s.submissions != nil {
		s.submissions.SubmissionSeen()
	}

	logger.Info("Submission enqueued", "archive_key", key, "size", size)
	return &Receipt{
		CorrelationID: correlationID,
		ArchiveKey:    key,
		Status:        ReceiptQueued,
		SubmittedAt:   submittedAt,
	}, nil
}

func (s *InvoiceServiceImpl) Reprocess(ctx context.Context, id uuid.UUID, opts pipeline.Options) (*invoice.Record, error) {
	return s.orchestrator.ReprocessInvoice(ctx, id, opts)
}

func (s *InvoiceServiceImpl) GetInvoice(ctx context.Context, id uuid.UUID) (*invoice.Record, error) {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, invoice.ErrRecordNotFound{}) {
			s.logger.Info("Invoice not found", "invoice_id", id.String())
			return nil, shared.NewNotFoundError(fmt.Sprintf("invoice %s not found", id))
		}
		s.logger.Error("Failed to get invoice", "invoice_id", id.String(), "error", err)
		return nil, shared.NewExternalServiceError("failed to load invoice", err)
	}
	return record, nil
}

func (s *InvoiceServiceImpl) GetStatus(ctx context.Context, id uuid.UUID) (*tracking.Status, error) {
	return s.orchestrator.GetProcessingStatus(ctx, id)
}

// GetRunStatus serves runs tracked by this instance from memory. Runs executed by
// the processor are derived from the record they persisted.
func (s *InvoiceServiceImpl) GetRunStatus(ctx context.Context, correlationID string) (*tracking.Status, error) {
	status, err := s.orchestrator.GetRunStatus(correlationID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	record, err := s.records.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, invoice.ErrRecordNotFound{}) {
			return nil, shared.NewNotFoundError(fmt.Sprintf("no run found for correlation id %s", correlationID))
		}
		s.logger.Error("Failed to look up run", "correlation_id", correlationID, "error", err)
		return nil, shared.NewExternalServiceError("failed to look up run", err)
	}
	return pipeline.DeriveStatus(record), nil
}

func (s *InvoiceServiceImpl) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.orchestrator.CancelProcessing(ctx, id)
}

// GetAuditTrail pages through an invoice's audit entries, oldest first
func (s *InvoiceServiceImpl) GetAuditTrail(ctx context.Context, id uuid.UUID, page, perPage int) ([]*audit.Entry, int64, error) {
	offset := (page - 1) * perPage

	entries, err := s.auditTrail.ListByInvoiceID(ctx, id, perPage, offset)
	if err != nil {
		return nil, 0, shared.NewExternalServiceError("failed to list audit entries", err)
	}

	total, err := s.auditTrail.CountByInvoiceID(ctx, id)
	if err != nil {
		return nil, 0, shared.NewExternalServiceError("failed to count audit entries", err)
	}

	return entries, total, nil
}

func (s *InvoiceServiceImpl) GetStatistics(ctx context.Context) (*pipeline.Statistics, error) {
	return s.orchestrator.GetProcessingStatistics(ctx)
}

func (s *InvoiceServiceImpl) Health(ctx context.Context) *pipeline.Health {
	return s.orchestrator.HealthCheck(ctx)
}
