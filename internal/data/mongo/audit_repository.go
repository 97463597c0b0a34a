// Package mongo provides the MongoDB implementation of the audit trail store.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/invoice-intake-pipeline/internal/domain/audit"
)

const (
	// AuditCollectionName is the default name of the audit collection in MongoDB
	AuditCollectionName = "audit_entries"
)

// auditDocument is the stored shape of an audit entry
type auditDocument struct {
	ID            string            `bson:"_id"`
	InvoiceID     string            `bson:"invoice_id"`
	Action        string            `bson:"action"`
	CorrelationID string            `bson:"correlation_id,omitempty"`
	UserID        string            `bson:"user_id,omitempty"`
	Step          string            `bson:"step,omitempty"`
	Details       map[string]string `bson:"details,omitempty"`
	Error         string            `bson:"error,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

func toDocument(e *audit.Entry) auditDocument {
	return auditDocument{
		ID:            e.ID.String(),
		InvoiceID:     e.InvoiceID.String(),
		Action:        string(e.Action),
		CorrelationID: e.CorrelationID,
		UserID:        e.UserID,
		Step:          e.Step,
		Details:       e.Details,
		Error:         e.Error,
		CreatedAt:     e.CreatedAt,
	}
}

func (d auditDocument) toEntry() (*audit.Entry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid audit entry id %q: %w", d.ID, err)
	}
	invoiceID, err := uuid.Parse(d.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice id %q: %w", d.InvoiceID, err)
	}
	return &audit.Entry{
		ID:            id,
		InvoiceID:     invoiceID,
		Action:        audit.Action(d.Action),
		CorrelationID: d.CorrelationID,
		UserID:        d.UserID,
		Step:          d.Step,
		Details:       d.Details,
		Error:         d.Error,
		CreatedAt:     d.CreatedAt,
	}, nil
}

// AuditRepository implements the audit.Repository interface for MongoDB
type AuditRepository struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewAuditRepository creates a new MongoDB audit repository
func NewAuditRepository(logger *slog.Logger, db *mongo.Database, collection string) *AuditRepository {
	if collection == "" {
		collection = AuditCollectionName
	}
	return &AuditRepository{
		collection: db.Collection(collection),
		logger:     logger,
	}
}

var _ audit.Repository = (*AuditRepository)(nil)

// EnsureIndexes creates the index backing per-invoice trail reads
func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "invoice_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("invoice_id_created_at"),
	})
	if err != nil {
		return fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return nil
}

// Create appends an entry. Returns ErrDuplicateEntry if the entry ID was already written.
func (r *AuditRepository) Create(ctx context.Context, entry *audit.Entry) error {
	_, err := r.collection.InsertOne(ctx, toDocument(entry))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return audit.ErrDuplicateEntry{ID: entry.ID}
		}
		r.logger.Error("Failed to create audit entry",
			"entry_id", entry.ID.String(),
			"invoice_id", entry.InvoiceID.String(),
			"action", string(entry.Action),
			"error", err)
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListByInvoiceID retrieves paginated entries for an invoice, oldest first
func (r *AuditRepository) ListByInvoiceID(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]*audit.Entry, error) {
	filter := bson.M{"invoice_id": invoiceID.String()}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to get audit entries",
			"invoice_id", invoiceID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []auditDocument
	if err := cursor.All(ctx, &docs); err != nil {
		r.logger.Error("Failed to decode audit entries",
			"invoice_id", invoiceID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}

	entries := make([]*audit.Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := doc.toEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit entries: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// CountByInvoiceID counts the total number of entries for an invoice
func (r *AuditRepository) CountByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"invoice_id": invoiceID.String()})
	if err != nil {
		r.logger.Error("Failed to count audit entries",
			"invoice_id", invoiceID.String(),
			"error", err)
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	return count, nil
}

func (r *AuditRepository) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}
