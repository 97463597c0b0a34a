package shared

import (
	"errors"
	"strings"
)

// Error kinds used across the pipeline. Match them with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrExternalService = errors.New("external service error")
	ErrProcessing      = errors.New("processing error")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
)

var kinds = []error{ErrValidation, ErrExternalService, ErrProcessing, ErrNotFound, ErrInvalidState}

// Error pairs one of the kinds above with a message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewValidationError reports bad input, a rejected file or a failed business rule
func NewValidationError(message string, details ...string) *Error {
	return &Error{Kind: ErrValidation, Message: message, Details: details}
}

// NewExternalServiceError reports a failing downstream dependency (OCR engine, storage)
func NewExternalServiceError(message string, err error) *Error {
	return &Error{Kind: ErrExternalService, Message: message, Err: err}
}

// NewProcessingError reports an internal extraction or normalization fault
func NewProcessingError(message string, err error) *Error {
	return &Error{Kind: ErrProcessing, Message: message, Err: err}
}

// NewNotFoundError reports an unknown identifier
func NewNotFoundError(message string) *Error {
	return &Error{Kind: ErrNotFound, Message: message}
}

// NewInvalidStateError reports an illegal status transition request
func NewInvalidStateError(message string) *Error {
	return &Error{Kind: ErrInvalidState, Message: message}
}

// KindOf returns the kind sentinel carried by err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsClassified reports whether err already carries one of the pipeline error kinds.
func IsClassified(err error) bool {
	return KindOf(err) != nil
}
