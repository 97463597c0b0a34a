package service

import (
	"context"
	"errors"

	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/submission"
	"github.com/invoice-intake-pipeline/internal/pipeline"
)

// ErrDocumentUnavailable marks a submission whose archived document could not be fetched.
// Such messages can never succeed on redelivery.
var ErrDocumentUnavailable = errors.New("archived document unavailable")

// ProcessingService runs one queued submission through the pipeline.
type ProcessingService interface {
	ProcessSubmission(ctx context.Context, msg *submission.Message) error
}

// InvoicePipeline is the intake entry point of the orchestrator
type InvoicePipeline interface {
	ProcessInvoice(ctx context.Context, file *document.File, opts pipeline.Options) (*invoice.Record, error)
}

// DocumentSource returns archived uploads by key
type DocumentSource interface {
	Fetch(ctx context.Context, key string) (*document.File, error)
}

// RunGauge tracks runs in flight
type RunGauge interface {
	RunStarted()
	RunFinished()
}
