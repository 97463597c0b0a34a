package handler

import (
	"time"

	"github.com/invoice-intake-pipeline/internal/domain/audit"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
)

// SubmitInvoiceForm holds the multipart fields sent next to the uploaded file
type SubmitInvoiceForm struct {
	Async              bool   `form:"async"`
	ForceReprocess     bool   `form:"force_reprocess"`
	SkipDuplicateCheck bool   `form:"skip_duplicate_check"`
	SkipValidation     bool   `form:"skip_validation"`
	UserID             string `form:"user_id" binding:"max=128"`
	Metadata           string `form:"metadata"` // JSON object of string values
}

// ReprocessInvoiceRequest represents the optional body of a reprocess request
type ReprocessInvoiceRequest struct {
	ForceReprocess     bool   `json:"force_reprocess"`
	SkipDuplicateCheck bool   `json:"skip_duplicate_check"`
	SkipValidation     bool   `json:"skip_validation"`
	UserID             string `json:"user_id" binding:"max=128"`
}

// InvoiceResponse represents an invoice record in API responses
type InvoiceResponse struct {
	ID                 string           `json:"id"`
	InvoiceNumber      string           `json:"invoice_number"`
	BillTo             string           `json:"bill_to"`
	DueDate            string           `json:"due_date,omitempty"`
	TotalAmount        float64          `json:"total_amount"`
	Status             string           `json:"status"`
	IsDuplicate        bool             `json:"is_duplicate"`
	DuplicateOf        string           `json:"duplicate_of,omitempty"`
	ProcessingAttempts int              `json:"processing_attempts"`
	LastProcessedAt    string           `json:"last_processed_at,omitempty"`
	CreatedAt          string           `json:"created_at"`
	UpdatedAt          string           `json:"updated_at"`
	Metadata           invoice.Metadata `json:"metadata"`
}

// AuditEntryResponse represents one audit trail entry in API responses
type AuditEntryResponse struct {
	ID            string            `json:"id"`
	Action        string            `json:"action"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Step          string            `json:"step,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=20" binding:"min=1,max=100"`
}

func mapRecordToResponse(record *invoice.Record) InvoiceResponse {
	response := InvoiceResponse{
		ID:                 record.ID.String(),
		InvoiceNumber:      record.InvoiceNumber,
		BillTo:             record.BillTo,
		TotalAmount:        record.TotalAmount,
		Status:             string(record.Status),
		IsDuplicate:        record.Status == invoice.StatusDuplicate,
		ProcessingAttempts: record.ProcessingAttempts,
		CreatedAt:          record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          record.UpdatedAt.Format(time.RFC3339),
		Metadata:           record.Metadata,
	}

	if record.DueDate != nil {
		response.DueDate = record.DueDate.Format(time.DateOnly)
	}
	if record.DuplicateOf != nil {
		response.DuplicateOf = record.DuplicateOf.String()
	}
	if record.LastProcessedAt != nil {
		response.LastProcessedAt = record.LastProcessedAt.Format(time.RFC3339)
	}

	return response
}

func mapAuditEntryToResponse(entry *audit.Entry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:            entry.ID.String(),
		Action:        string(entry.Action),
		CorrelationID: entry.CorrelationID,
		UserID:        entry.UserID,
		Step:          entry.Step,
		Details:       entry.Details,
		Error:         entry.Error,
		CreatedAt:     entry.CreatedAt.Format(time.RFC3339),
	}
}
