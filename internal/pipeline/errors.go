package pipeline

import (
	"errors"
	"fmt"

	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// StepError attaches the failing step and correlation id to a step failure.
// It unwraps to the original error, so errors.Is on the error kind still works.
// Steps holds every step of the run as it stood when the run stopped.
type StepError struct {
	Step          string
	CorrelationID string
	Err           error
	Steps         []Step
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (correlation_id=%s): %v", e.Step, e.CorrelationID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the step name carried by err, if any
func FailedStep(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}

// classify keeps already classified errors and tags the rest with fallback
func classify(err error, fallback func(error) *shared.Error) error {
	if err == nil || shared.IsClassified(err) {
		return err
	}
	return fallback(err)
}
