package invoice

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// Status is the durable lifecycle state of an invoice record
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDuplicate  Status = "DUPLICATE"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed, StatusDuplicate:
		return true
	}
	return false
}

// Metadata carries file information and extraction details alongside a record
type Metadata struct {
	FileName             string            `json:"file_name,omitempty"`
	FileSize             int64             `json:"file_size,omitempty"`
	ContentType          string            `json:"content_type,omitempty"`
	PageCount            int               `json:"page_count,omitempty"`
	ExtractionConfidence float64           `json:"extraction_confidence,omitempty"`
	ExtractionEngine     string            `json:"extraction_engine,omitempty"`
	UserID               string            `json:"user_id,omitempty"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	ArchiveKey           string            `json:"archive_key,omitempty"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	Custom               map[string]string `json:"custom,omitempty"`
}

// Fields are the normalized business fields extracted from a document
type Fields struct {
	InvoiceNumber string     `json:"invoice_number" validate:"required,max=64"`
	BillTo        string     `json:"bill_to" validate:"required,max=256"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	TotalAmount   float64    `json:"total_amount" validate:"gt=0"`
	Confidence    float64    `json:"confidence" validate:"gte=0,lte=1"`
}

// Record is the persisted result of one pipeline run
type Record struct {
	ID                 uuid.UUID  `json:"id"`
	InvoiceNumber      string     `json:"invoice_number"`
	BillTo             string     `json:"bill_to"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	TotalAmount        float64    `json:"total_amount"`
	Status             Status     `json:"status"`
	ProcessingAttempts int        `json:"processing_attempts"`
	LastProcessedAt    *time.Time `json:"last_processed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Metadata           Metadata   `json:"metadata"`
	DuplicateOf        *uuid.UUID `json:"duplicate_of,omitempty"`
	ContentHash        string     `json:"content_hash,omitempty"`
	// Version is the stored row version an Update must still match
	Version int64 `json:"-"`
}

// NewRecord builds a record that has already been through one processing run and
// settled in status (COMPLETED, FAILED or DUPLICATE). The implied
// UPLOADED -> PROCESSING -> status transitions are counted exactly as Transition
// would count them.
func NewRecord(fields *Fields, meta Metadata, status Status, now time.Time) *Record {
	r := &Record{
		ID:        uuid.New(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  meta,
	}
	if fields != nil {
		r.InvoiceNumber = fields.InvoiceNumber
		r.BillTo = fields.BillTo
		r.DueDate = fields.DueDate
		r.TotalAmount = fields.TotalAmount
		r.Metadata.ExtractionConfidence = fields.Confidence
	}
	switch status {
	case StatusCompleted, StatusFailed:
		r.ProcessingAttempts = 2
		r.LastProcessedAt = &now
	case StatusDuplicate:
		r.ProcessingAttempts = 1
		r.LastProcessedAt = &now
	}
	return r
}

// Transition moves the record to status `to`, enforcing the lifecycle:
// UPLOADED -> PROCESSING -> {COMPLETED | FAILED | DUPLICATE}, and
// {FAILED | DUPLICATE | COMPLETED} -> PROCESSING for reprocessing.
// ProcessingAttempts increments on PROCESSING, COMPLETED and FAILED.
func (r *Record) Transition(to Status, now time.Time) error {
	if !to.Valid() {
		return shared.NewInvalidStateError(fmt.Sprintf("unknown status %q", to))
	}

	switch to {
	case StatusProcessing:
		if r.Status == StatusProcessing {
			return shared.NewInvalidStateError(fmt.Sprintf("invoice %s is already processing", r.ID))
		}
	case StatusCompleted, StatusFailed, StatusDuplicate:
		if r.Status != StatusProcessing {
			return shared.NewInvalidStateError(fmt.Sprintf("cannot move invoice %s from %s to %s", r.ID, r.Status, to))
		}
	default:
		return shared.NewInvalidStateError(fmt.Sprintf("cannot move invoice %s back to %s", r.ID, to))
	}

	if to != StatusDuplicate {
		r.ProcessingAttempts++
	}
	r.Status = to
	r.LastProcessedAt = &now
	r.UpdatedAt = now
	return nil
}

// IsReprocessable reports whether the record may be reprocessed without force
func (r *Record) IsReprocessable() bool {
	return r.Status == StatusFailed || r.Status == StatusDuplicate
}

// ApplyFields overwrites the business fields with a fresh extraction
func (r *Record) ApplyFields(fields *Fields, contentHash string) {
	r.InvoiceNumber = fields.InvoiceNumber
	r.BillTo = fields.BillTo
	r.DueDate = fields.DueDate
	r.TotalAmount = fields.TotalAmount
	r.Metadata.ExtractionConfidence = fields.Confidence
	r.ContentHash = contentHash
}

// Fields returns the record's business fields
func (r *Record) Fields() *Fields {
	return &Fields{
		InvoiceNumber: r.InvoiceNumber,
		BillTo:        r.BillTo,
		DueDate:       r.DueDate,
		TotalAmount:   r.TotalAmount,
		Confidence:    r.Metadata.ExtractionConfidence,
	}
}
