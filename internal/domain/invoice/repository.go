package invoice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// Repository defines invoice record persistence operations
type Repository interface {
	Create(ctx context.Context, record *Record) error
	// Update fails with ErrConcurrentModification when the stored row is no longer at record.Version
	Update(ctx context.Context, record *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// GetByCorrelationID returns the newest record written by the given run
	GetByCorrelationID(ctx context.Context, correlationID string) (*Record, error)

	// FindByInvoiceNumber matches case-insensitively and ignores DUPLICATE rows, oldest first
	FindByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*Record, error)
	// FindByContentHash ignores DUPLICATE rows, oldest first
	FindByContentHash(ctx context.Context, contentHash string) ([]*Record, error)
	// FindFuzzyCandidates returns non-DUPLICATE rows with the same amount in cents, newest first
	FindFuzzyCandidates(ctx context.Context, amountCents int64, limit int) ([]*Record, error)

	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// ListStaleProcessing returns records stuck in PROCESSING since before the cutoff
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	Ping(ctx context.Context) error
}

// ErrRecordNotFound indicates a missing invoice record
type ErrRecordNotFound struct {
	ID uuid.UUID
}

func (e ErrRecordNotFound) Error() string {
	return "invoice not found: " + e.ID.String()
}

// Is matches any ErrRecordNotFound when the target ID is empty
func (e ErrRecordNotFound) Is(target error) bool {
	t, ok := target.(ErrRecordNotFound)
	if !ok {
		return false
	}
	if t.ID == uuid.Nil {
		return true
	}
	return e.ID == t.ID
}

// ErrConcurrentModification indicates the row changed between read and update
type ErrConcurrentModification struct {
	ID uuid.UUID
}

func (e ErrConcurrentModification) Error() string {
	return "concurrent modification detected for invoice: " + e.ID.String()
}

// Is reports the conflict as an invalid state, and matches any
// ErrConcurrentModification when the target ID is empty
func (e ErrConcurrentModification) Is(target error) bool {
	if target == shared.ErrInvalidState {
		return true
	}
	t, ok := target.(ErrConcurrentModification)
	if !ok {
		return false
	}
	return t.ID == uuid.Nil || e.ID == t.ID
}
