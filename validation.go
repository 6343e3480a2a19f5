package cmmn

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const ErrCodeValidation = "VALIDATION_FAILED"

// ErrValidation is a sentinel error used to mark validation failures.
// Failures are clones of it, so IsValidation matches them through any
// number of wrappers.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode(ErrCodeValidation)

// IsValidation reports whether err carries the validation text code.
func IsValidation(err error) bool {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeValidation
	}
	return false
}

func invalid(msgType, field, reason string) error {
	err := ErrValidation.Clone()
	err.Message = msgType + ": " + field + " " + reason
	return err.WithMetadata(map[string]any{
		"message_type": msgType,
		"field":        field,
	})
}

func required(msgType, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(msgType, field, "is required")
	}
	return nil
}
