package engine

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeIllegalTransition  = "CMMN_ILLEGAL_STATE_TRANSITION"
	ErrCodeNotFound           = "CMMN_NOT_FOUND"
	ErrCodeNotCompletable     = "CMMN_NOT_COMPLETABLE"
	ErrCodeExpressionFailed   = "CMMN_EXPRESSION_FAILED"
	ErrCodeVersionConflict    = "CMMN_VERSION_CONFLICT"
	ErrCodePreconditionFailed = "CMMN_PRECONDITION_FAILED"
	ErrCodeCascadeLimit       = "CMMN_CASCADE_LIMIT"
	ErrCodeJobExhausted       = "CMMN_JOB_EXHAUSTED"
)

var (
	ErrIllegalTransition = apperrors.New("illegal state transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeIllegalTransition)
	ErrNotFound = apperrors.New("instance not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrNotCompletable = apperrors.New("stage is not completable", apperrors.CategoryConflict).
				WithTextCode(ErrCodeNotCompletable)
	ErrExpressionFailed = apperrors.New("expression evaluation failed", apperrors.CategoryOperation).
				WithTextCode(ErrCodeExpressionFailed)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrPreconditionFailed = apperrors.New("precondition failed", apperrors.CategoryBadInput).
				WithTextCode(ErrCodePreconditionFailed)
	ErrCascadeLimit = apperrors.New("cascade operation limit exceeded", apperrors.CategoryInternal).
			WithTextCode(ErrCodeCascadeLimit)
	ErrJobExhausted = apperrors.New("job retries exhausted", apperrors.CategoryOperation).
			WithTextCode(ErrCodeJobExhausted)
)

// ErrStateVersionConflict is returned by stores when a revision compare-and-set fails.
var ErrStateVersionConflict = stderrors.New("state version conflict")

func cloneRuntimeError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrPreconditionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of an engine error, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsIllegalTransition(err error) bool { return ErrorCode(err) == ErrCodeIllegalTransition }
func IsNotFound(err error) bool          { return ErrorCode(err) == ErrCodeNotFound }
func IsNotCompletable(err error) bool    { return ErrorCode(err) == ErrCodeNotCompletable }
func IsExpressionError(err error) bool   { return ErrorCode(err) == ErrCodeExpressionFailed }
func IsJobExhausted(err error) bool      { return ErrorCode(err) == ErrCodeJobExhausted }

// IsVersionConflict matches both the engine error and the raw store sentinel.
func IsVersionConflict(err error) bool {
	return ErrorCode(err) == ErrCodeVersionConflict || stderrors.Is(err, ErrStateVersionConflict)
}

func notFound(kind, id string) error {
	return cloneRuntimeError(ErrNotFound, kind+" not found", nil, map[string]any{"kind": kind, "id": id})
}
