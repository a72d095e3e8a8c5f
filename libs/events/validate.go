package events

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a structurally invalid envelope. Structural
// defects can never be fixed by redelivery, so callers drop these instead of
// feeding them into the retry path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the structural shape of an envelope: required fields
// present and well-formed. Payload schemas are validated per subscription,
// not here.
func Validate(e Envelope) error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if Domain(e.Type) == UnknownDomain {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q has no domain prefix", e.Type)}
	}
	if strings.TrimSpace(e.Source) == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if e.Time.IsZero() {
		return &ValidationError{Field: "time", Reason: "is required"}
	}
	if e.CorrelationID == "" {
		return &ValidationError{Field: "correlationId", Reason: "is required"}
	}
	if e.Version < 1 {
		return &ValidationError{Field: "version", Reason: "must be at least 1"}
	}
	if e.Metadata.RetryCount < 0 {
		return &ValidationError{Field: "metadata.retryCount", Reason: "must not be negative"}
	}
	return nil
}
