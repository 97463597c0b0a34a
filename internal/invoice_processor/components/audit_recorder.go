package components

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
)

// AuditRecorderImpl turns pipeline events into audit entries. Writes are detached from
// the caller's cancellation and failures are logged, never returned.
type AuditRecorderImpl struct {
	auditRepo audit.Repository
	logger    *slog.Logger
}

func NewAuditRecorder(auditRepo audit.Repository, logger *slog.Logger) *AuditRecorderImpl {
	return &AuditRecorderImpl{
		auditRepo: auditRepo,
		logger:    logger,
	}
}

func (r *AuditRecorderImpl) LogInvoiceCreated(ctx context.Context, record *invoice.Record, origin audit.Origin) {
	entry := audit.NewEntry(record.ID, audit.ActionInvoiceCreated, origin)
	entry.Details = map[string]string{
		"invoice_number": record.InvoiceNumber,
		"bill_to":        record.BillTo,
		"total_amount":   strconv.FormatFloat(record.TotalAmount, 'f', 2, 64),
		"file_name":      record.Metadata.FileName,
		"status":         string(record.Status),
	}
	r.write(ctx, entry)
}

func (r *AuditRecorderImpl) LogProcessingCompleted(ctx context.Context, record *invoice.Record, origin audit.Origin) {
	entry := audit.NewEntry(record.ID, audit.ActionProcessingCompleted, origin)
	entry.Details = map[string]string{
		"status":              string(record.Status),
		"processing_attempts": strconv.Itoa(record.ProcessingAttempts),
		"extraction_engine":   record.Metadata.ExtractionEngine,
	}
	r.write(ctx, entry)
}

func (r *AuditRecorderImpl) LogProcessingFailed(ctx context.Context, invoiceID uuid.UUID, step string, cause error, origin audit.Origin) {
	entry := audit.NewEntry(invoiceID, audit.ActionProcessingFailed, origin)
	entry.Step = step
	if cause != nil {
		entry.Error = cause.Error()
	}
	r.write(ctx, entry)
}

func (r *AuditRecorderImpl) LogDuplicateDetected(ctx context.Context, record *invoice.Record, result *dedupe.Result, origin audit.Origin) {
	entry := audit.NewEntry(record.ID, audit.ActionDuplicateDetected, origin)
	entry.Details = map[string]string{
		"invoice_number": record.InvoiceNumber,
	}
	if result != nil {
		entry.Details["detection_method"] = string(result.Method)
		entry.Details["confidence"] = strconv.FormatFloat(result.Confidence, 'f', 2, 64)
		if result.OriginalInvoiceID != nil {
			entry.Details["original_invoice_id"] = result.OriginalInvoiceID.String()
		}
		if result.SimilarityScore != nil {
			entry.Details["similarity_score"] = strconv.FormatFloat(*result.SimilarityScore, 'f', 4, 64)
		}
	}
	r.write(ctx, entry)
}

func (r *AuditRecorderImpl) LogProcessingRetried(ctx context.Context, record *invoice.Record, previous invoice.Status, origin audit.Origin) {
	entry := audit.NewEntry(record.ID, audit.ActionProcessingRetried, origin)
	entry.Details = map[string]string{
		"previous_status":     string(previous),
		"processing_attempts": strconv.Itoa(record.ProcessingAttempts),
	}
	r.write(ctx, entry)
}

func (r *AuditRecorderImpl) LogProcessingCancelled(ctx context.Context, record *invoice.Record, reason string, origin audit.Origin) {
	entry := audit.NewEntry(record.ID, audit.ActionProcessingCancelled, origin)
	entry.Details = map[string]string{"reason": reason}
	r.write(ctx, entry)
}

// LogProcessingInterrupted records a run abandoned in PROCESSING and failed by the reaper
func (r *AuditRecorderImpl) LogProcessingInterrupted(ctx context.Context, record *invoice.Record, reason string) {
	entry := audit.NewEntry(record.ID, audit.ActionProcessingInterrupted, audit.Origin{
		CorrelationID: record.Metadata.CorrelationID,
		UserID:        record.Metadata.UserID,
	})
	entry.Details = map[string]string{
		"reason":              reason,
		"processing_attempts": strconv.Itoa(record.ProcessingAttempts),
	}
	r.write(ctx, entry)
}

// Ping reports the audit store's health when it can tell
func (r *AuditRecorderImpl) Ping(ctx context.Context) error {
	if p, ok := r.auditRepo.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (r *AuditRecorderImpl) write(ctx context.Context, entry *audit.Entry) {
	logger := r.logger.With(
		"invoice_id", entry.InvoiceID.String(),
		"action", entry.Action,
	)
	if entry.CorrelationID != "" {
		logger = logger.With("correlation_id", entry.CorrelationID)
	}

	if err := r.auditRepo.Create(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("Failed to write audit entry", "entry_id", entry.ID.String(), "error", fmt.Errorf("audit %s: %w", entry.Action, err))
		return
	}
	logger.Debug("Audit entry written", "entry_id", entry.ID.String())
}
