package components

import (
	"context"
	"testing"
	"time"

	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"github.com/invoice-intake-pipeline/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNormalizer_ExtractAndValidateData(t *testing.T) {
	normalizer := NewNormalizer(logger.Discard())

	t.Run("recognised fields with engine-specific keys", func(t *testing.T) {
		extraction := &document.Extraction{
			Success: true,
			Fields: map[string]string{
				"Invoice #": " INV-7 ",
				"Customer":  "Acme   Corp",
				"Total":     "$1,250.00",
				"Due Date":  "2024-03-15",
			},
			Confidence: 0.9,
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Equal(t, "INV-7", fields.InvoiceNumber)
		assert.Equal(t, "Acme Corp", fields.BillTo)
		assert.Equal(t, 1250.0, fields.TotalAmount)
		require.NotNil(t, fields.DueDate)
		assert.Equal(t, date(2024, time.March, 15), *fields.DueDate)
		assert.Equal(t, 0.9, fields.Confidence)
	})

	t.Run("fields scanned from text", func(t *testing.T) {
		extraction := &document.Extraction{
			Success: true,
			Text: "Invoice Number: INV-2024-001\n" +
				"Bill To: Globex Corporation\n" +
				"Due Date: 03/15/2024\n" +
				"Subtotal: 100.00\n" +
				"Total: 1.234,56 EUR\n",
			Confidence: 0.88,
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Equal(t, "INV-2024-001", fields.InvoiceNumber)
		assert.Equal(t, "Globex Corporation", fields.BillTo)
		assert.Equal(t, 1234.56, fields.TotalAmount)
		require.NotNil(t, fields.DueDate)
		assert.Equal(t, date(2024, time.March, 15), *fields.DueDate)
	})

	t.Run("recognised key wins over text", func(t *testing.T) {
		extraction := &document.Extraction{
			Fields: map[string]string{"invoice_number": "KV-1"},
			Text:   "Invoice Number: TXT-9",
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Equal(t, "KV-1", fields.InvoiceNumber)
	})

	t.Run("full-width characters are folded", func(t *testing.T) {
		extraction := &document.Extraction{
			Fields: map[string]string{"invoice_number": "ＩＮＶ－１２３"},
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Equal(t, "INV-123", fields.InvoiceNumber)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		extraction := &document.Extraction{
			Fields:     map[string]string{"invoice_number": "INV-1"},
			Confidence: 1.7,
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Equal(t, 1.0, fields.Confidence)
	})

	t.Run("unparseable values are left empty", func(t *testing.T) {
		extraction := &document.Extraction{
			Fields: map[string]string{
				"invoice_number": "INV-1",
				"total_amount":   "n/a",
				"due_date":       "someday",
			},
		}

		fields, err := normalizer.ExtractAndValidateData(context.Background(), extraction)

		require.NoError(t, err)
		assert.Zero(t, fields.TotalAmount)
		assert.Nil(t, fields.DueDate)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, err := normalizer.ExtractAndValidateData(context.Background(), &document.Extraction{Text: "hello world"})

		assert.ErrorIs(t, err, shared.ErrProcessing)
	})

	t.Run("nil extraction", func(t *testing.T) {
		_, err := normalizer.ExtractAndValidateData(context.Background(), nil)

		assert.ErrorIs(t, err, shared.ErrProcessing)
	})
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw      string
		expected float64
		wantErr  bool
	}{
		{raw: "1,234.56", expected: 1234.56},
		{raw: "1.234,56", expected: 1234.56},
		{raw: "1 234,56", expected: 1234.56},
		{raw: "$1234", expected: 1234},
		{raw: "12.5", expected: 12.5},
		{raw: "1,000", expected: 1000},
		{raw: "€ 99.999", expected: 99999},
		{raw: "-42.10", expected: -42.1},
		{raw: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAmount(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, shared.ErrProcessing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Time
		ok       bool
	}{
		{raw: "2024-03-15", expected: date(2024, time.March, 15), ok: true},
		{raw: "2024/03/15", expected: date(2024, time.March, 15), ok: true},
		{raw: "03/15/2024", expected: date(2024, time.March, 15), ok: true},
		{raw: "15.03.2024", expected: date(2024, time.March, 15), ok: true},
		{raw: "March 15, 2024", expected: date(2024, time.March, 15), ok: true},
		{raw: "15 Mar 2024", expected: date(2024, time.March, 15), ok: true},
		{raw: " 2024-03-15T23:30:00+02:00 ", expected: date(2024, time.March, 15), ok: true},
		{raw: "not a date", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseDate(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}
