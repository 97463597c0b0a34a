package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// FileGuard rejects files that are too large, of a disallowed type or structurally broken
type FileGuard interface {
	ValidateFile(ctx context.Context, file *document.File) (*document.FileCheck, error)
}

// Extractor runs an OCR engine over a document
type Extractor interface {
	ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error)
	Name() string
}

// Normalizer turns raw extraction output into invoice fields
type Normalizer interface {
	ExtractAndValidateData(ctx context.Context, extraction *document.Extraction) (*invoice.Fields, error)
}

// Validator applies business rules to normalized fields
type Validator interface {
	ValidateInvoiceData(ctx context.Context, fields *invoice.Fields) (*shared.ValidationResult, error)
}

// DuplicateDetector finds earlier submissions of the same invoice
type DuplicateDetector interface {
	CheckForDuplicates(ctx context.Context, candidate *dedupe.Candidate) (*dedupe.Result, error)
	GenerateContentHash(fields *invoice.Fields) string
}

// Repository is the subset of the invoice store the orchestrator writes through
type Repository interface {
	Create(ctx context.Context, record *invoice.Record) error
	Update(ctx context.Context, record *invoice.Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*invoice.Record, error)
	CountByStatus(ctx context.Context) (map[invoice.Status]int64, error)
	Ping(ctx context.Context) error
}

// AuditSink records the audit trail. Calls are fire-and-forget: implementations
// handle and log their own failures.
type AuditSink interface {
	LogInvoiceCreated(ctx context.Context, record *invoice.Record, origin audit.Origin)
	LogProcessingCompleted(ctx context.Context, record *invoice.Record, origin audit.Origin)
	LogProcessingFailed(ctx context.Context, invoiceID uuid.UUID, step string, cause error, origin audit.Origin)
	LogDuplicateDetected(ctx context.Context, record *invoice.Record, result *dedupe.Result, origin audit.Origin)
	LogProcessingRetried(ctx context.Context, record *invoice.Record, previous invoice.Status, origin audit.Origin)
	LogProcessingCancelled(ctx context.Context, record *invoice.Record, reason string, origin audit.Origin)
}

// MetricsSink receives run outcomes and step timings
type MetricsSink interface {
	RecordProcessingSuccess(duration time.Duration)
	RecordProcessingFailure(step string, duration time.Duration)
	RecordDuplicate(method string)
	RecordStepDuration(step string, duration time.Duration)
}

// DocumentArchive keeps original uploads so they can be re-extracted later
type DocumentArchive interface {
	Store(ctx context.Context, key string, file *document.File) error
	Fetch(ctx context.Context, key string) (*document.File, error)
}

// Pinger is implemented by collaborators that can report their own health
type Pinger interface {
	Ping(ctx context.Context) error
}

type noopMetrics struct{}

func (noopMetrics) RecordProcessingSuccess(time.Duration)         {}
func (noopMetrics) RecordProcessingFailure(string, time.Duration) {}
func (noopMetrics) RecordDuplicate(string)                        {}
func (noopMetrics) RecordStepDuration(string, time.Duration)      {}

type noopAudit struct{}

func (noopAudit) LogInvoiceCreated(context.Context, *invoice.Record, audit.Origin)      {}
func (noopAudit) LogProcessingCompleted(context.Context, *invoice.Record, audit.Origin) {}
func (noopAudit) LogProcessingFailed(context.Context, uuid.UUID, string, error, audit.Origin) {
}
func (noopAudit) LogDuplicateDetected(context.Context, *invoice.Record, *dedupe.Result, audit.Origin) {
}
func (noopAudit) LogProcessingRetried(context.Context, *invoice.Record, invoice.Status, audit.Origin) {
}
func (noopAudit) LogProcessingCancelled(context.Context, *invoice.Record, string, audit.Origin) {}
