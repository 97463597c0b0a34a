package components

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
	"golang.org/x/text/unicode/norm"
)

// Field aliases engines are known to emit, compared after foldKey
var fieldAliases = map[string][]string{
	"invoice_number": {"invoicenumber", "invoiceno", "invoicenum", "invoiceid", "number", "invoice"},
	"bill_to":        {"billto", "billedto", "customer", "customername", "client", "buyer", "soldto"},
	"due_date":       {"duedate", "paymentdue", "due", "paybydate"},
	"total_amount":   {"totalamount", "total", "amountdue", "balancedue", "grandtotal", "amount"},
}

var (
	reInvoiceNumber = regexp.MustCompile(`(?i)invoice\s*(?:no\.?|number|num|#|id)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-/]{2,})`)
	reBillTo        = regexp.MustCompile(`(?im)^\s*bill(?:ed)?\s*to\s*[:\-]?\s*(.+?)\s*$`)
	reDueDate       = regexp.MustCompile(`(?i)due\s*(?:date)?\s*[:\-]?\s*([0-9]{1,4}[./-][0-9]{1,2}[./-][0-9]{1,4}|[A-Z][a-z]{2,8}\.?\s+[0-9]{1,2},?\s+[0-9]{4}|[0-9]{1,2}\s+[A-Z][a-z]{2,8}\s+[0-9]{4})`)
	reTotal         = regexp.MustCompile(`(?i)\b(?:grand\s*total|total\s*amount|total\s*due|amount\s*due|balance\s*due|total)\s*[:\-]?\s*(?:[A-Z]{3}\s*)?[$€£¥]?\s*([0-9][0-9.,' ]*[0-9]|[0-9])`)
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"2.1.2006",
	"01-02-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	time.RFC3339,
}

type NormalizerImpl struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *NormalizerImpl {
	return &NormalizerImpl{logger: logger}
}

// ExtractAndValidateData maps engine output onto invoice fields. Key/value pairs the
// engine recognised take precedence; the NFKC-normalized text is scanned for the rest.
// Fields that cannot be found are left empty for the validator to reject.
func (n *NormalizerImpl) ExtractAndValidateData(ctx context.Context, extraction *document.Extraction) (*invoice.Fields, error) {
	if extraction == nil {
		return nil, shared.NewProcessingError("no extraction result to normalize", nil)
	}

	text := norm.NFKC.String(extraction.Text)
	kv := foldFields(extraction.Fields)

	fields := &invoice.Fields{
		InvoiceNumber: cleanValue(pick(kv, "invoice_number", text, reInvoiceNumber)),
		BillTo:        cleanValue(pick(kv, "bill_to", text, reBillTo)),
		Confidence:    clamp01(extraction.Confidence),
	}

	if raw := pick(kv, "total_amount", text, reTotal); raw != "" {
		amount, err := ParseAmount(raw)
		if err != nil {
			n.logger.Debug("unparseable total amount", "raw", raw, "error", err)
		} else {
			fields.TotalAmount = amount
		}
	}

	if raw := pick(kv, "due_date", text, reDueDate); raw != "" {
		if due, ok := ParseDate(raw); ok {
			fields.DueDate = &due
		} else {
			n.logger.Debug("unparseable due date", "raw", raw)
		}
	}

	if fields.InvoiceNumber == "" && fields.BillTo == "" && fields.TotalAmount == 0 {
		return nil, shared.NewProcessingError("no invoice fields found in extracted data", nil)
	}
	return fields, nil
}

// pick prefers a recognised key, then the first regex capture in text
func pick(kv map[string]string, field, text string, re *regexp.Regexp) string {
	if v := kv[foldKey(field)]; v != "" {
		return v
	}
	for _, alias := range fieldAliases[field] {
		if v := kv[alias]; v != "" {
			return v
		}
	}
	if m := re.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}

func foldFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		v = strings.TrimSpace(norm.NFKC.String(v))
		if v != "" {
			out[foldKey(k)] = v
		}
	}
	return out
}

// foldKey lowercases and drops everything but letters and digits: "Invoice #" -> "invoice"
func foldKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cleanValue(v string) string {
	return strings.Join(strings.Fields(strings.Trim(v, " \t:;,")), " ")
}

// ParseAmount reads "1,234.56", "1.234,56", "1 234,56" or "$1234" as a float rounded to cents.
// The right-most separator followed by one or two digits is the decimal point.
func ParseAmount(raw string) (float64, error) {
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()

	decimal := -1
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		if frac := len(s) - i - 1; frac == 1 || frac == 2 {
			decimal = i
		}
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case i == decimal:
			b.WriteByte('.')
		case r == '.' || r == ',':
		default:
			b.WriteRune(r)
		}
	}

	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, shared.NewProcessingError("invalid amount "+strconv.Quote(raw), err)
	}
	return math.Round(v*100) / 100, nil
}

// ParseDate tries the known layouts and returns the UTC calendar date
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
