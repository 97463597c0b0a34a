// Package postgres provides the PostgreSQL implementation of the invoice record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/dedupe"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

const recordColumns = `id, invoice_number, bill_to, due_date, total_amount, status, processing_attempts,
		last_processed_at, created_at, updated_at, duplicate_of, content_hash, metadata, version`

// InvoiceRepository implements the invoice.Repository interface for PostgreSQL
type InvoiceRepository struct {
	db     persistence.Pool
	logger *slog.Logger
}

// NewInvoiceRepository creates a new PostgreSQL invoice repository
func NewInvoiceRepository(logger *slog.Logger, db persistence.Pool) *InvoiceRepository {
	return &InvoiceRepository{
		db:     db,
		logger: logger,
	}
}

var _ invoice.Repository = (*InvoiceRepository)(nil)

// Create stores a new invoice record
func (r *InvoiceRepository) Create(ctx context.Context, record *invoice.Record) error {
	query := `
		INSERT INTO invoices (id, invoice_number, bill_to, due_date, total_amount, total_cents, status,
			processing_attempts, last_processed_at, created_at, updated_at, duplicate_of, content_hash,
			correlation_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode invoice metadata: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		record.ID,
		record.InvoiceNumber,
		record.BillTo,
		record.DueDate,
		record.TotalAmount,
		dedupe.AmountCents(record.TotalAmount),
		string(record.Status),
		record.ProcessingAttempts,
		record.LastProcessedAt,
		record.CreatedAt,
		record.UpdatedAt,
		record.DuplicateOf,
		record.ContentHash,
		record.Metadata.CorrelationID,
		metadata,
	)
	if err != nil {
		r.logger.Error("Failed to create invoice", "invoice_id", record.ID.String(), "error", err)
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	return nil
}

// Update overwrites every mutable column of an existing record, provided the row
// is still at record.Version, and bumps the version.
// Returns ErrRecordNotFound if no row has the record's ID and
// ErrConcurrentModification if another writer got there first.
func (r *InvoiceRepository) Update(ctx context.Context, record *invoice.Record) error {
	query := `
		UPDATE invoices
		SET invoice_number = $2, bill_to = $3, due_date = $4, total_amount = $5, total_cents = $6,
			status = $7, processing_attempts = $8, last_processed_at = $9, updated_at = $10,
			duplicate_of = $11, content_hash = $12, correlation_id = $13, metadata = $14,
			version = version + 1
		WHERE id = $1 AND version = $15
	`

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode invoice metadata: %w", err)
	}

	result, err := r.db.Exec(ctx, query,
		record.ID,
		record.InvoiceNumber,
		record.BillTo,
		record.DueDate,
		record.TotalAmount,
		dedupe.AmountCents(record.TotalAmount),
		string(record.Status),
		record.ProcessingAttempts,
		record.LastProcessedAt,
		record.UpdatedAt,
		record.DuplicateOf,
		record.ContentHash,
		record.Metadata.CorrelationID,
		metadata,
		record.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update invoice", "invoice_id", record.ID.String(), "error", err)
		return fmt.Errorf("failed to update invoice: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.updateMiss(ctx, record)
	}

	record.Version++
	return nil
}

// updateMiss tells a missing row apart from one that moved past the caller's version
func (r *InvoiceRepository) updateMiss(ctx context.Context, record *invoice.Record) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, record.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if !exists {
		return invoice.ErrRecordNotFound{ID: record.ID}
	}

	r.logger.Warn("Invoice changed since it was read", "invoice_id", record.ID.String(), "version", record.Version)
	return invoice.ErrConcurrentModification{ID: record.ID}
}

// GetByID retrieves a record by its ID
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE id = $1
	`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrRecordNotFound{ID: id}
		}
		r.logger.Error("Failed to get invoice", "invoice_id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	return record, nil
}

// GetByCorrelationID retrieves the newest record written under a correlation id
func (r *InvoiceRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE correlation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	record, err := scanRecord(r.db.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, invoice.ErrRecordNotFound{}
		}
		r.logger.Error("Failed to get invoice by correlation id", "correlation_id", correlationID, "error", err)
		return nil, fmt.Errorf("failed to get invoice by correlation id: %w", err)
	}

	return record, nil
}

// FindByInvoiceNumber matches case-insensitively, skipping DUPLICATE rows, oldest first
func (r *InvoiceRepository) FindByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE lower(invoice_number) = lower($1) AND status <> 'DUPLICATE'
		ORDER BY created_at ASC
	`
	return r.queryRecords(ctx, "find invoices by number", query, invoiceNumber)
}

// FindByContentHash returns non-DUPLICATE rows carrying the hash, oldest first
func (r *InvoiceRepository) FindByContentHash(ctx context.Context, contentHash string) ([]*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE content_hash = $1 AND status <> 'DUPLICATE'
		ORDER BY created_at ASC
	`
	return r.queryRecords(ctx, "find invoices by content hash", query, contentHash)
}

// FindFuzzyCandidates returns non-DUPLICATE rows with the same total in cents, newest first
func (r *InvoiceRepository) FindFuzzyCandidates(ctx context.Context, amountCents int64, limit int) ([]*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE total_cents = $1 AND status <> 'DUPLICATE'
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryRecords(ctx, "find fuzzy candidates", query, amountCents, limit)
}

// ListStaleProcessing returns records left in PROCESSING since before the cutoff, oldest first
func (r *InvoiceRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*invoice.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM invoices
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.queryRecords(ctx, "list stale processing invoices", query, before, limit)
}

// CountByStatus groups stored records by status
func (r *InvoiceRepository) CountByStatus(ctx context.Context) (map[invoice.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM invoices GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to count invoices by status", "error", err)
		return nil, fmt.Errorf("failed to count invoices by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[invoice.Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan invoice count: %w", err)
		}
		counts[invoice.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count invoices by status: %w", err)
	}

	return counts, nil
}

func (r *InvoiceRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *InvoiceRepository) queryRecords(ctx context.Context, op, query string, args ...interface{}) ([]*invoice.Record, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to "+op, "error", err)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	records := make([]*invoice.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to %s: %w", op, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}

	return records, nil
}

func scanRecord(row pgx.Row) (*invoice.Record, error) {
	var (
		record   invoice.Record
		status   string
		metadata []byte
	)
	err := row.Scan(
		&record.ID,
		&record.InvoiceNumber,
		&record.BillTo,
		&record.DueDate,
		&record.TotalAmount,
		&status,
		&record.ProcessingAttempts,
		&record.LastProcessedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.DuplicateOf,
		&record.ContentHash,
		&metadata,
		&record.Version,
	)
	if err != nil {
		return nil, err
	}

	record.Status = invoice.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode invoice metadata: %w", err)
		}
	}
	return &record, nil
}
