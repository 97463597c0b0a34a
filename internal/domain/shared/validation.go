package shared

// ValidationResult is the verdict returned by the file guard and the data validator
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Valid returns a passing result
func Valid() *ValidationResult {
	return &ValidationResult{IsValid: true}
}

// Invalid returns a failing result carrying the given messages
func Invalid(errs ...string) *ValidationResult {
	return &ValidationResult{IsValid: false, Errors: errs}
}
