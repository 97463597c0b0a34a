package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/pipeline"
	"github.com/invoice-intake-pipeline/internal/tracking"
)

// InvoiceService defines the operations exposed over HTTP
type InvoiceService interface {
	// Submit runs the pipeline inline and returns the settled record.
	// A duplicate is returned as a DUPLICATE record, not an error.
	Submit(ctx context.Context, file *document.File, opts pipeline.Options) (*invoice.Record, error)

	// SubmitAsync archives the file and enqueues it for the processor
	SubmitAsync(ctx context.Context, file *document.File, opts pipeline.Options) (*Receipt, error)

	// Reprocess runs an existing record through the pipeline again
	Reprocess(ctx context.Context, id uuid.UUID, opts pipeline.Options) (*invoice.Record, error)

	// GetInvoice returns a NotFound error if the record doesn't exist
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoice.Record, error)

	GetStatus(ctx context.Context, id uuid.UUID) (*tracking.Status, error)

	// GetRunStatus looks up a run by correlation id, falling back to the record it produced
	GetRunStatus(ctx context.Context, correlationID string) (*tracking.Status, error)

	Cancel(ctx context.Context, id uuid.UUID) error

	// GetAuditTrail returns one page of audit entries and the total count
	GetAuditTrail(ctx context.Context, id uuid.UUID, page, perPage int) ([]*audit.Entry, int64, error)

	GetStatistics(ctx context.Context) (*pipeline.Statistics, error)
	Health(ctx context.Context) *pipeline.Health
}

// Orchestrator is the subset of *pipeline.Orchestrator the gateway drives
type Orchestrator interface {
	ProcessInvoice(ctx context.Context, file *document.File, opts pipeline.Options) (*invoice.Record, error)
	ReprocessInvoice(ctx context.Context, id uuid.UUID, opts pipeline.Options) (*invoice.Record, error)
	GetProcessingStatus(ctx context.Context, id uuid.UUID) (*tracking.Status, error)
	GetRunStatus(correlationID string) (*tracking.Status, error)
	CancelProcessing(ctx context.Context, id uuid.UUID) error
	GetProcessingStatistics(ctx context.Context) (*pipeline.Statistics, error)
	HealthCheck(ctx context.Context) *pipeline.Health
}

// RecordReader reads persisted invoice records
type RecordReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*invoice.Record, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*invoice.Record, error)
}

// SubmissionCounter counts accepted asynchronous submissions
type SubmissionCounter interface {
	SubmissionSeen()
}

// Receipt acknowledges an asynchronous submission
type Receipt struct {
	CorrelationID string    `json:"correlation_id"`
	ArchiveKey    string    `json:"archive_key"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// ReceiptQueued is the status of a freshly enqueued submission
const ReceiptQueued = "QUEUED"
