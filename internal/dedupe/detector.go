// Package dedupe decides whether a freshly extracted invoice was already submitted.
//
// Three strategies run in fixed priority order and the first match wins:
// exact invoice number, content hash, then fuzzy similarity on the normalized
// "invoiceNumber billTo" string among records with the same amount. Fuzzy
// candidates whose invoice number carries a different serial of the same
// length are never matched, so recurring bills to one customer stay distinct.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// Method names the strategy that produced a Result
type Method string

const (
	MethodInvoiceNumber Method = "INVOICE_NUMBER"
	MethodContentHash   Method = "CONTENT_HASH"
	MethodFuzzyMatch    Method = "FUZZY_MATCH"
	MethodCombined      Method = "COMBINED"
)

const (
	confidenceInvoiceNumber = 1.0
	confidenceContentHash   = 0.95
	confidenceFuzzy         = 0.8
	confidenceNoMatch       = 1.0
)

// Result is the verdict of a duplicate check. OriginalInvoiceID is set iff IsDuplicate.
type Result struct {
	IsDuplicate       bool       `json:"is_duplicate"`
	OriginalInvoiceID *uuid.UUID `json:"original_invoice_id,omitempty"`
	SimilarityScore   *float64   `json:"similarity_score,omitempty"`
	Method            Method     `json:"detection_method"`
	Confidence        float64    `json:"confidence"`
}

// Candidate is the invoice being checked
type Candidate struct {
	Fields      *invoice.Fields
	ContentHash string    // computed from Fields when empty
	ExcludeID   uuid.UUID // record to ignore, set when reprocessing it
}

// Lookup is the read side of the invoice store used for matching
type Lookup interface {
	FindByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*invoice.Record, error)
	FindByContentHash(ctx context.Context, contentHash string) ([]*invoice.Record, error)
	FindFuzzyCandidates(ctx context.Context, amountCents int64, limit int) ([]*invoice.Record, error)
}

// Config tunes the fuzzy strategy
type Config struct {
	FuzzyThreshold float64
	CandidateLimit int
}

// DefaultConfig returns threshold 0.85 over at most 100 candidates
func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.85, CandidateLimit: 100}
}

type Detector struct {
	lookup Lookup
	cfg    Config
	logger *slog.Logger
}

func NewDetector(lookup Lookup, cfg Config, logger *slog.Logger) *Detector {
	defaults := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = defaults.FuzzyThreshold
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaults.CandidateLimit
	}
	return &Detector{lookup: lookup, cfg: cfg, logger: logger}
}

// GenerateContentHash exposes the package hash through the detector
func (d *Detector) GenerateContentHash(fields *invoice.Fields) string {
	return GenerateContentHash(fields)
}

// CheckForDuplicates runs the strategies in priority order and stops at the first match.
// Lookup failures are returned as ExternalServiceError and never read as "no duplicate".
func (d *Detector) CheckForDuplicates(ctx context.Context, c *Candidate) (*Result, error) {
	if c == nil || c.Fields == nil {
		return nil, shared.NewValidationError("duplicate check requires invoice data")
	}

	hash := c.ContentHash
	if hash == "" {
		hash = GenerateContentHash(c.Fields)
	}

	if number := NormalizeText(c.Fields.InvoiceNumber); number != "" {
		records, err := d.lookup.FindByInvoiceNumber(ctx, number)
		if err != nil {
			return nil, shared.NewExternalServiceError(
				fmt.Sprintf("duplicate check failed looking up invoice number %q", c.Fields.InvoiceNumber), err)
		}
		if original := first(records, c.ExcludeID); original != nil {
			d.logger.Debug("duplicate matched by invoice number",
				"invoice_number", c.Fields.InvoiceNumber,
				"original_id", original.ID.String())
			return match(original.ID, 1.0, MethodInvoiceNumber, confidenceInvoiceNumber), nil
		}
	}

	records, err := d.lookup.FindByContentHash(ctx, hash)
	if err != nil {
		return nil, shared.NewExternalServiceError("duplicate check failed looking up content hash", err)
	}
	if original := first(records, c.ExcludeID); original != nil {
		d.logger.Debug("duplicate matched by content hash", "original_id", original.ID.String())
		return match(original.ID, 1.0, MethodContentHash, confidenceContentHash), nil
	}

	candidates, err := d.lookup.FindFuzzyCandidates(ctx, AmountCents(c.Fields.TotalAmount), d.cfg.CandidateLimit)
	if err != nil {
		return nil, shared.NewExternalServiceError("duplicate check failed loading fuzzy match candidates", err)
	}
	if best, score := d.bestFuzzyMatch(c, candidates); best != nil {
		d.logger.Debug("duplicate matched by similarity",
			"original_id", best.ID.String(),
			"similarity", score)
		return match(best.ID, score, MethodFuzzyMatch, confidenceFuzzy), nil
	}

	return &Result{IsDuplicate: false, Method: MethodCombined, Confidence: confidenceNoMatch}, nil
}

func (d *Detector) bestFuzzyMatch(c *Candidate, candidates []*invoice.Record) (*invoice.Record, float64) {
	key := fuzzyKey(c.Fields.InvoiceNumber, c.Fields.BillTo)
	var (
		best      *invoice.Record
		bestScore float64
	)
	for _, r := range candidates {
		if r == nil || r.ID == c.ExcludeID || r.Status == invoice.StatusDuplicate {
			continue
		}
		if distinctSerials(c.Fields.InvoiceNumber, r.InvoiceNumber) {
			continue
		}
		score := Similarity(key, fuzzyKey(r.InvoiceNumber, r.BillTo))
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	if best == nil || bestScore < d.cfg.FuzzyThreshold {
		return nil, 0
	}
	return best, bestScore
}

func fuzzyKey(invoiceNumber, billTo string) string {
	return NormalizeText(invoiceNumber + " " + billTo)
}

// distinctSerials reports whether two invoice numbers carry different serials
// of the same shape, as consecutive bills from one supplier do. Digit runs of
// different lengths still reach the similarity score so misread or dropped
// characters can match.
func distinctSerials(a, b string) bool {
	da, db := digitsOf(a), digitsOf(b)
	if da == "" || db == "" || len(da) != len(db) {
		return false
	}
	return da != db
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func first(records []*invoice.Record, exclude uuid.UUID) *invoice.Record {
	for _, r := range records {
		if r != nil && r.ID != exclude {
			return r
		}
	}
	return nil
}

func match(id uuid.UUID, score float64, method Method, confidence float64) *Result {
	original := id
	return &Result{
		IsDuplicate:       true,
		OriginalInvoiceID: &original,
		SimilarityScore:   &score,
		Method:            method,
		Confidence:        confidence,
	}
}
