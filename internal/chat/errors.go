package chat

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when a submitted message is blank after trimming.
var ErrEmptyInput = errors.New("input is empty")

// ErrInvalidSampling wraps sampling parameter values outside their allowed
// ranges.
var ErrInvalidSampling = errors.New("invalid sampling config")

// InputTooLongError is returned when the combined conversation length
// (system prompt, history, and the new message) exceeds the token budget.
type InputTooLongError struct {
	Count int
	Limit int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("conversation too long: %d tokens exceeds the %d token limit", e.Count, e.Limit)
}

// IsValidationError reports whether err should be shown to the user as a
// blocking input problem rather than a generation failure.
func IsValidationError(err error) bool {
	var tooLong *InputTooLongError
	return errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidSampling) || errors.As(err, &tooLong)
}
