package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers and the streaming layer can pick
// a policy without string matching.
type ErrorKind string

const (
	KindRateLimitExceeded    ErrorKind = "RateLimitExceeded"
	KindSandboxUnavailable   ErrorKind = "SandboxUnavailable"
	KindPreviewExpired       ErrorKind = "PreviewExpired"
	KindInvalidArgument      ErrorKind = "InvalidArgument"
	KindLoopDetected         ErrorKind = "LoopDetected"
	KindCallLimitExceeded    ErrorKind = "CallLimitExceeded"
	KindGenerationInProgress ErrorKind = "GenerationInProgress"
	KindDebugInProgress      ErrorKind = "DebugInProgress"
	KindNotFound             ErrorKind = "NotFound"
	KindTransient            ErrorKind = "Transient"
	KindFatal                ErrorKind = "Fatal"
)

// Cross-operation conflict sentinels. Tool results surface these as the
// typed tags GENERATION_IN_PROGRESS / DEBUG_IN_PROGRESS.
var (
	ErrGenerationInProgress = &KindError{Kind: KindGenerationInProgress, Message: "code generation is in progress"}
	ErrDebugInProgress      = &KindError{Kind: KindDebugInProgress, Message: "a deep debug session is in progress"}
	ErrNotFound             = &KindError{Kind: KindNotFound, Message: "not found"}
)

// KindError is an error tagged with an ErrorKind.
type KindError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *KindError) Unwrap() error { return e.Err }

// Is allows errors.Is comparisons against the sentinel values by kind.
func (e *KindError) Is(target error) bool {
	var ke *KindError
	if errors.As(target, &ke) {
		return e.Kind == ke.Kind
	}
	return false
}

// NewKindError builds a tagged error wrapping cause (cause may be nil).
func NewKindError(kind ErrorKind, msg string, cause error) *KindError {
	return &KindError{Kind: kind, Message: msg, Err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to Transient for
// unclassified errors and Fatal for nil-safety misuse.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// IsRateLimit reports whether err carries the RateLimitExceeded kind.
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimitExceeded
}
