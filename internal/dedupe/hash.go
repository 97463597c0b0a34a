package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/invoice-intake-pipeline/internal/domain/invoice"
)

// NormalizeText trims, collapses inner whitespace and lowercases s
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NormalizeAmount rounds to cents; NaN and infinities become 0
func NormalizeAmount(amount float64) float64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return math.Round(amount*100) / 100
}

// AmountCents converts an amount to integer cents after normalization
func AmountCents(amount float64) int64 {
	return int64(math.Round(NormalizeAmount(amount) * 100))
}

// formatCents renders integer cents as a fixed two-decimal amount. Working from
// integers keeps -0 and 0 on the same canonical string.
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// GenerateContentHash returns the SHA-256 hex digest of the canonical form of the
// normalized invoice fields. Identical normalized input yields an identical hash.
func GenerateContentHash(fields *invoice.Fields) string {
	if fields == nil {
		fields = &invoice.Fields{}
	}

	dueDate := ""
	if fields.DueDate != nil && !fields.DueDate.IsZero() {
		dueDate = fields.DueDate.UTC().Format("2006-01-02")
	}

	// encoding/json sorts map keys, which gives the canonical key order
	canonical := map[string]string{
		"invoiceNumber": NormalizeText(fields.InvoiceNumber),
		"billTo":        NormalizeText(fields.BillTo),
		"totalAmount":   formatCents(AmountCents(fields.TotalAmount)),
		"dueDate":       dueDate,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		// map[string]string always marshals; keep a deterministic fallback anyway
		payload = []byte(canonical["invoiceNumber"] + "|" + canonical["billTo"] + "|" + canonical["totalAmount"] + "|" + dueDate)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
