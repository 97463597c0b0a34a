package dedupe

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) FindByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*invoice.Record, error) {
	args := m.Called(ctx, invoiceNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*invoice.Record), args.Error(1)
}

func (m *MockLookup) FindByContentHash(ctx context.Context, contentHash string) ([]*invoice.Record, error) {
	args := m.Called(ctx, contentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*invoice.Record), args.Error(1)
}

func (m *MockLookup) FindFuzzyCandidates(ctx context.Context, amountCents int64, limit int) ([]*invoice.Record, error) {
	args := m.Called(ctx, amountCents, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*invoice.Record), args.Error(1)
}

func newTestDetector(lookup Lookup) *Detector {
	return NewDetector(lookup, DefaultConfig(), slog.Default())
}

func date(y int, m time.Month, d, h int) *time.Time {
	t := time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	return &t
}

func TestGenerateContentHash(t *testing.T) {
	t.Run("NormalizationInvariance", func(t *testing.T) {
		a := &invoice.Fields{InvoiceNumber: " INV-1 ", BillTo: "Acme  Corp", TotalAmount: 100.004, DueDate: date(2024, 1, 15, 23)}
		b := &invoice.Fields{InvoiceNumber: "inv-1", BillTo: "ACME CORP", TotalAmount: 100.00, DueDate: date(2024, 1, 15, 1)}

		assert.Equal(t, GenerateContentHash(a), GenerateContentHash(b))
		assert.Len(t, GenerateContentHash(a), 64)
	})

	base := invoice.Fields{InvoiceNumber: "INV-1", BillTo: "Acme Corp", TotalAmount: 100, DueDate: date(2024, 1, 15, 0)}
	baseHash := GenerateContentHash(&base)

	tests := []struct {
		name   string
		mutate func(f *invoice.Fields)
	}{
		{"InvoiceNumber", func(f *invoice.Fields) { f.InvoiceNumber = "INV-2" }},
		{"BillTo", func(f *invoice.Fields) { f.BillTo = "Acme Inc" }},
		{"Amount", func(f *invoice.Fields) { f.TotalAmount = 100.01 }},
		{"DueDate", func(f *invoice.Fields) { f.DueDate = date(2024, 1, 16, 0) }},
		{"MissingDueDate", func(f *invoice.Fields) { f.DueDate = nil }},
	}
	for _, tt := range tests {
		t.Run("DiffersOn"+tt.name, func(t *testing.T) {
			f := base
			tt.mutate(&f)
			assert.NotEqual(t, baseHash, GenerateContentHash(&f))
		})
	}

	sameAs := []struct {
		name   string
		mutate func(f *invoice.Fields)
	}{
		{"NegativeZeroAmount", func(f *invoice.Fields) { f.TotalAmount = -0.001 }},
		{"NegativeZeroLiteral", func(f *invoice.Fields) { f.TotalAmount = math.Copysign(0, -1) }},
	}
	for _, tt := range sameAs {
		t.Run("SameAsZeroOn"+tt.name, func(t *testing.T) {
			zero := base
			zero.TotalAmount = 0
			f := base
			tt.mutate(&f)
			assert.Equal(t, GenerateContentHash(&zero), GenerateContentHash(&f))
		})
	}

	t.Run("NegativeAmountsKeepTheirSign", func(t *testing.T) {
		pos, neg := base, base
		pos.TotalAmount = 12.5
		neg.TotalAmount = -12.5
		assert.NotEqual(t, GenerateContentHash(&pos), GenerateContentHash(&neg))
	})

	t.Run("NonFiniteAmountFallsBackToZero", func(t *testing.T) {
		zero := base
		zero.TotalAmount = 0
		for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
			f := base
			f.TotalAmount = v
			assert.Equal(t, GenerateContentHash(&zero), GenerateContentHash(&f))
		}
	})

	t.Run("NilFieldsDoNotPanic", func(t *testing.T) {
		assert.Equal(t, GenerateContentHash(&invoice.Fields{}), GenerateContentHash(nil))
	})
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"Identical", "inv-001 acme", "inv-001 acme", 1.0},
		{"BothEmpty", "", "", 1.0},
		{"OneEmpty", "abc", "", 0.0},
		{"OneEdit", "abcd", "abce", 0.75},
		{"Unicode", "café", "cafe", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestDetector_CheckForDuplicates(t *testing.T) {
	ctx := context.Background()
	fields := &invoice.Fields{InvoiceNumber: "INV-001", BillTo: "Acme Corp", TotalAmount: 100, DueDate: date(2024, 1, 15, 0)}
	hash := GenerateContentHash(fields)

	t.Run("NilCandidate", func(t *testing.T) {
		lookup := &MockLookup{}
		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, nil)

		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, errors.Is(err, shared.ErrValidation))
		lookup.AssertNotCalled(t, "FindByInvoiceNumber", mock.Anything, mock.Anything)
	})

	t.Run("InvoiceNumberWinsOverFuzzy", func(t *testing.T) {
		original := &invoice.Record{ID: uuid.New(), InvoiceNumber: "INV-001", BillTo: "Acme Corp", Status: invoice.StatusCompleted}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return([]*invoice.Record{original}, nil)
		// A fuzzy candidate exists too; it must never be consulted.
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{original}, nil).Maybe()

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields})

		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, MethodInvoiceNumber, res.Method)
		assert.Equal(t, 1.0, res.Confidence)
		require.NotNil(t, res.OriginalInvoiceID)
		assert.Equal(t, original.ID, *res.OriginalInvoiceID)
		require.NotNil(t, res.SimilarityScore)
		assert.Equal(t, 1.0, *res.SimilarityScore)
		lookup.AssertNotCalled(t, "FindByContentHash", mock.Anything, mock.Anything)
		lookup.AssertNotCalled(t, "FindFuzzyCandidates", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ContentHashMatch", func(t *testing.T) {
		original := &invoice.Record{ID: uuid.New()}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return([]*invoice.Record{}, nil)
		lookup.On("FindByContentHash", ctx, hash).Return([]*invoice.Record{original}, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields})

		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, MethodContentHash, res.Method)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Equal(t, original.ID, *res.OriginalInvoiceID)
		lookup.AssertExpectations(t)
	})

	t.Run("FuzzyMatchAboveThreshold", func(t *testing.T) {
		near := &invoice.Record{ID: uuid.New(), InvoiceNumber: "INV-0011", BillTo: "Acme Corp", Status: invoice.StatusCompleted}
		far := &invoice.Record{ID: uuid.New(), InvoiceNumber: "X-99", BillTo: "Globex", Status: invoice.StatusCompleted}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return(nil, nil)
		lookup.On("FindByContentHash", ctx, hash).Return(nil, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{far, near}, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields})

		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, MethodFuzzyMatch, res.Method)
		assert.Equal(t, 0.8, res.Confidence)
		assert.Equal(t, near.ID, *res.OriginalInvoiceID)
		assert.GreaterOrEqual(t, *res.SimilarityScore, 0.85)
	})

	t.Run("RecurringBillToSameCustomerIsNotFuzzyMatched", func(t *testing.T) {
		recurring := &invoice.Fields{InvoiceNumber: "INV-002", BillTo: "Acme Corporation International", TotalAmount: 100}
		previous := &invoice.Record{ID: uuid.New(), InvoiceNumber: "INV-001", BillTo: "Acme Corporation International", Status: invoice.StatusCompleted}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-002").Return(nil, nil)
		lookup.On("FindByContentHash", ctx, GenerateContentHash(recurring)).Return(nil, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{previous}, nil)

		// The combined keys alone are close enough to cross the threshold.
		require.GreaterOrEqual(t, Similarity(fuzzyKey(recurring.InvoiceNumber, recurring.BillTo),
			fuzzyKey(previous.InvoiceNumber, previous.BillTo)), 0.85)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: recurring})

		require.NoError(t, err)
		assert.False(t, res.IsDuplicate)
		assert.Nil(t, res.OriginalInvoiceID)
	})

	t.Run("MisreadCharacterStillFuzzyMatches", func(t *testing.T) {
		misread := &invoice.Fields{InvoiceNumber: "INV-0O1", BillTo: "Acme Corp", TotalAmount: 100}
		original := &invoice.Record{ID: uuid.New(), InvoiceNumber: "INV-001", BillTo: "Acme Corp", Status: invoice.StatusCompleted}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-0o1").Return(nil, nil)
		lookup.On("FindByContentHash", ctx, GenerateContentHash(misread)).Return(nil, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{original}, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: misread})

		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, MethodFuzzyMatch, res.Method)
		assert.Equal(t, original.ID, *res.OriginalInvoiceID)
	})

	t.Run("NoMatch", func(t *testing.T) {
		far := &invoice.Record{ID: uuid.New(), InvoiceNumber: "X-99", BillTo: "Globex", Status: invoice.StatusCompleted}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return(nil, nil)
		lookup.On("FindByContentHash", ctx, hash).Return(nil, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{far}, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields})

		require.NoError(t, err)
		assert.False(t, res.IsDuplicate)
		assert.Equal(t, MethodCombined, res.Method)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Nil(t, res.OriginalInvoiceID)
	})

	t.Run("ExcludedRecordIsIgnored", func(t *testing.T) {
		self := &invoice.Record{ID: uuid.New(), InvoiceNumber: "INV-001", BillTo: "Acme Corp", Status: invoice.StatusFailed}
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return([]*invoice.Record{self}, nil)
		lookup.On("FindByContentHash", ctx, hash).Return([]*invoice.Record{self}, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return([]*invoice.Record{self}, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields, ExcludeID: self.ID})

		require.NoError(t, err)
		assert.False(t, res.IsDuplicate)
	})

	t.Run("EmptyInvoiceNumberSkipsNumberLookup", func(t *testing.T) {
		noNumber := &invoice.Fields{BillTo: "Acme Corp", TotalAmount: 100}
		lookup := &MockLookup{}
		lookup.On("FindByContentHash", ctx, GenerateContentHash(noNumber)).Return(nil, nil)
		lookup.On("FindFuzzyCandidates", ctx, int64(10000), 100).Return(nil, nil)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: noNumber})

		require.NoError(t, err)
		assert.False(t, res.IsDuplicate)
		lookup.AssertNotCalled(t, "FindByInvoiceNumber", mock.Anything, mock.Anything)
	})

	t.Run("LookupFailureIsExternalServiceError", func(t *testing.T) {
		dbErr := errors.New("connection refused")
		lookup := &MockLookup{}
		lookup.On("FindByInvoiceNumber", ctx, "inv-001").Return(nil, nil)
		lookup.On("FindByContentHash", ctx, hash).Return(nil, dbErr)

		res, err := newTestDetector(lookup).CheckForDuplicates(ctx, &Candidate{Fields: fields})

		require.Error(t, err)
		assert.Nil(t, res)
		assert.True(t, errors.Is(err, shared.ErrExternalService))
		assert.True(t, errors.Is(err, dbErr))
		assert.Contains(t, err.Error(), "content hash")
	})
}

func TestDistinctSerials(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"ConsecutiveSerials", "INV-001", "INV-002", true},
		{"SameSerialDifferentPrefix", "INV-001", "inv 001", false},
		{"DroppedDigit", "INV-001", "INV-01", false},
		{"ExtraDigit", "INV-001", "INV-0011", false},
		{"NoDigits", "ABC", "ABD", false},
		{"OneEmpty", "", "INV-001", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, distinctSerials(tt.a, tt.b))
		})
	}
}

func TestNewDetector_Defaults(t *testing.T) {
	d := NewDetector(&MockLookup{}, Config{}, slog.Default())
	assert.Equal(t, DefaultConfig(), d.cfg)
}
