package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names an audited pipeline event
type Action string

const (
	ActionInvoiceCreated        Action = "INVOICE_CREATED"
	ActionProcessingCompleted   Action = "PROCESSING_COMPLETED"
	ActionProcessingFailed      Action = "PROCESSING_FAILED"
	ActionDuplicateDetected     Action = "DUPLICATE_DETECTED"
	ActionProcessingRetried     Action = "PROCESSING_RETRIED"
	ActionProcessingCancelled   Action = "PROCESSING_CANCELLED"
	ActionProcessingInterrupted Action = "PROCESSING_INTERRUPTED"
)

// Origin identifies who and which run caused an audited event
type Origin struct {
	CorrelationID string
	UserID        string
}

// Entry is one append-only audit trail record
type Entry struct {
	ID            uuid.UUID         `json:"id"`
	InvoiceID     uuid.UUID         `json:"invoice_id"`
	Action        Action            `json:"action"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Step          string            `json:"step,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewEntry stamps a fresh entry for the given invoice, action and origin
func NewEntry(invoiceID uuid.UUID, action Action, origin Origin) *Entry {
	return &Entry{
		ID:            uuid.New(),
		InvoiceID:     invoiceID,
		Action:        action,
		CorrelationID: origin.CorrelationID,
		UserID:        origin.UserID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Repository stores and pages through audit entries
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	ListByInvoiceID(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]*Entry, error)
	CountByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (int64, error)
}

// ErrDuplicateEntry indicates an entry ID was written twice
type ErrDuplicateEntry struct {
	ID uuid.UUID
}

func (e ErrDuplicateEntry) Error() string {
	return "duplicate audit entry: " + e.ID.String()
}

// Is matches any ErrDuplicateEntry when the target ID is empty
func (e ErrDuplicateEntry) Is(target error) bool {
	t, ok := target.(ErrDuplicateEntry)
	if !ok {
		return false
	}
	if t.ID == uuid.Nil {
		return true
	}
	return e.ID == t.ID
}
