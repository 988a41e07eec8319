package orchestrator

import (
	"errors"
	"fmt"
)

// Parse-stage sentinel errors. Both are retryable: the loop re-prompts the
// thinker exactly once before giving up.
var (
	// ErrNoJSONObject indicates the thinker output contains no JSON object.
	ErrNoJSONObject = errors.New("no JSON object in thinker output")

	// ErrInvalidJSON indicates a JSON candidate was found but failed to parse.
	ErrInvalidJSON = errors.New("invalid JSON in thinker output")
)

// ValidationError reports a directive that parsed as JSON but violates the
// directive schema. Validation failures are not retryable.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a directive validation error.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError checks whether err is a directive validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// isParseError reports whether err is a retryable parse-stage failure.
func isParseError(err error) bool {
	return errors.Is(err, ErrNoJSONObject) || errors.Is(err, ErrInvalidJSON)
}
