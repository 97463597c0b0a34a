package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invoice-intake-pipeline/internal/domain/invoice"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// maxDueDateDrift bounds how far a due date may lie from today before it is treated as a misread
const maxDueDateDrift = 10 * 365 * 24 * time.Hour

type InvoiceValidatorImpl struct {
	validate      *validator.Validate
	minConfidence float64
	logger        *slog.Logger
	now           func() time.Time
}

func NewInvoiceValidator(minConfidence float64, logger *slog.Logger) *InvoiceValidatorImpl {
	return &InvoiceValidatorImpl{
		validate:      validator.New(),
		minConfidence: minConfidence,
		logger:        logger,
		now:           time.Now,
	}
}

// ValidateInvoiceData applies the struct rules on invoice.Fields plus the confidence floor
// and due date sanity check. Rule violations are returned in the result, not as an error.
func (v *InvoiceValidatorImpl) ValidateInvoiceData(ctx context.Context, fields *invoice.Fields) (*shared.ValidationResult, error) {
	if fields == nil {
		return shared.Invalid("invoice data is missing"), nil
	}

	var problems []string
	if err := v.validate.StructCtx(ctx, fields); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, shared.NewProcessingError("invoice validation could not run", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if v.minConfidence > 0 && fields.Confidence < v.minConfidence {
		problems = append(problems,
			fmt.Sprintf("extraction confidence %.2f is below the minimum of %.2f", fields.Confidence, v.minConfidence))
	}

	if fields.DueDate != nil {
		if drift := fields.DueDate.Sub(v.now()); drift > maxDueDateDrift || drift < -maxDueDateDrift {
			problems = append(problems, fmt.Sprintf("due date %s is implausible", fields.DueDate.Format(time.DateOnly)))
		}
	}

	if len(problems) > 0 {
		v.logger.Info("invoice data rejected", "invoice_number", fields.InvoiceNumber, "errors", problems)
		return shared.Invalid(problems...), nil
	}
	return shared.Valid(), nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldName(fe.Field()))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fieldName(fe.Field()), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fieldName(fe.Field()), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 0 and 1", fieldName(fe.Field()))
	default:
		return fmt.Sprintf("%s failed rule %s", fieldName(fe.Field()), fe.Tag())
	}
}

func fieldName(field string) string {
	switch field {
	case "InvoiceNumber":
		return "invoice number"
	case "BillTo":
		return "bill to"
	case "TotalAmount":
		return "total amount"
	case "Confidence":
		return "confidence"
	}
	return field
}
