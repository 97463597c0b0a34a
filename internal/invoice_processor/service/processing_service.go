package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/invoice-intake-pipeline/internal/pipeline"
)

// ProcessingServiceImpl fetches a submission's document from the archive and runs intake on it
type ProcessingServiceImpl struct {
	pipeline InvoicePipeline
	archive  DocumentSource
	gauge    RunGauge
	logger   *slog.Logger
}

// NewProcessingService creates a processing service. gauge may be nil.
func NewProcessingService(
	p InvoicePipeline,
	archive DocumentSource,
	gauge RunGauge,
	logger *slog.Logger,
) *ProcessingServiceImpl {
	return &ProcessingServiceImpl{
		pipeline: p,
		archive:  archive,
		gauge:    gauge,
		logger:   logger,
	}
}

// ProcessSubmission returns an error wrapping ErrDocumentUnavailable when the archive
// cannot serve the document, or the pipeline's *StepError when a step fails.
func (s *ProcessingServiceImpl) ProcessSubmission(ctx context.Context, msg *submission.Message) error {
	logger := s.logger.With("correlation_id", msg.CorrelationID, "archive_key", msg.ArchiveKey)

	file, err := s.archive.Fetch(ctx, msg.ArchiveKey)
	if err != nil {
		logger.Error("Failed to fetch archived document", "error", err)
		return fmt.Errorf("%w: %s: %w", ErrDocumentUnavailable, msg.ArchiveKey, err)
	}
	if file.Name == "" {
		file.Name = msg.FileName
	}
	if file.ContentType == "" {
		file.ContentType = msg.ContentType
	}
	if file.Size == 0 {
		file.Size = int64(len(file.Data))
	}

	if s.gauge != nil {
		s.gauge.RunStarted()
		defer s.gauge.RunFinished()
	}

	record, err := s.pipeline.ProcessInvoice(ctx, file, pipeline.Options{
		ForceReprocess:     msg.ForceReprocess,
		SkipDuplicateCheck: msg.SkipDuplicateCheck,
		SkipValidation:     msg.SkipValidation,
		UserID:             msg.UserID,
		CorrelationID:      msg.CorrelationID,
		Metadata:           msg.Metadata,
		ArchiveKey:         msg.ArchiveKey,
	})
	if err != nil {
		logger.Warn("Queued invoice failed processing", "step", pipeline.FailedStep(err), "error", err)
		return err
	}

	logger.Info("Processed queued invoice",
		"invoice_id", record.ID.String(),
		"status", string(record.Status),
		"queued_for", record.CreatedAt.Sub(msg.SubmittedAt).String(),
	)
	return nil
}
