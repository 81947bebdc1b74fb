package processing

import (
	"errors"
	"fmt"
	"time"
)

// Section names one phase of an iteration or of finalization.
type Section string

// Sections.
const (
	SectionPreloop  Section = "preloop"
	SectionLoop     Section = "loop"
	SectionPostloop Section = "postloop"
	SectionFinish   Section = "on_finish"
	SectionResult   Section = "result"
	SectionStartup  Section = "startup"
)

// Sentinels matched by SectionError.Is.
var (
	ErrPreloop  = errors.New("preloop failed")
	ErrMainLoop = errors.New("loop failed")
	ErrPostloop = errors.New("postloop failed")
	ErrTimeout  = errors.New("section timed out")
)

// SectionError wraps a failure of one iteration section. Timeout is set when
// the section did not return within its bound; Err is nil in that case.
type SectionError struct {
	Section Section
	Key     string
	Loop    int
	Err     error
	Timeout time.Duration
}

func (e *SectionError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s of %q timed out after %s on loop %d", e.Section, e.Key, e.Timeout, e.Loop)
	}
	return fmt.Sprintf("%s of %q failed on loop %d: %v", e.Section, e.Key, e.Loop, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

// Is matches the section sentinel, and ErrTimeout for timeouts.
func (e *SectionError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Timeout > 0
	case ErrPreloop:
		return e.Section == SectionPreloop
	case ErrMainLoop:
		return e.Section == SectionLoop
	case ErrPostloop:
		return e.Section == SectionPostloop
	}
	return false
}

// IsTimeout reports whether the section hit its time bound.
func (e *SectionError) IsTimeout() bool {
	return e.Timeout > 0
}

// Manager error codes.
const (
	ErrCodeDuplicateKey    = "DUPLICATE_KEY"
	ErrCodeManagerInactive = "MANAGER_INACTIVE"
	ErrCodeMissingLoop     = "MISSING_LOOP"
	ErrCodeUnknownKind     = "UNKNOWN_KIND"
	ErrCodeUnknownKey      = "UNKNOWN_KEY"
	ErrCodeInvalidKey      = "INVALID_KEY"
	ErrCodeNestingDepth    = "NESTING_DEPTH"
	ErrCodeStillRunning    = "STILL_RUNNING"
	ErrCodeInvalidPolicy   = "INVALID_POLICY"
	ErrCodeEncode          = "ENCODE_FAILED"
	ErrCodeSpawn           = "SPAWN_FAILED"
)

// Sentinels for errors.Is against a *ManagerError.
var (
	ErrDuplicateKey    = &ManagerError{Code: ErrCodeDuplicateKey}
	ErrManagerInactive = &ManagerError{Code: ErrCodeManagerInactive}
	ErrMissingLoop     = &ManagerError{Code: ErrCodeMissingLoop}
	ErrUnknownKind     = &ManagerError{Code: ErrCodeUnknownKind}
	ErrUnknownKey      = &ManagerError{Code: ErrCodeUnknownKey}
	ErrInvalidKey      = &ManagerError{Code: ErrCodeInvalidKey}
	ErrNestingDepth    = &ManagerError{Code: ErrCodeNestingDepth}
	ErrStillRunning    = &ManagerError{Code: ErrCodeStillRunning}
	ErrInvalidPolicy   = &ManagerError{Code: ErrCodeInvalidPolicy}
	ErrEncode          = &ManagerError{Code: ErrCodeEncode}
	ErrSpawn           = &ManagerError{Code: ErrCodeSpawn}
)

// ManagerError is a configuration or usage error returned synchronously by
// the Manager.
type ManagerError struct {
	Code    string
	Key     string
	Message string
	Cause   error
}

func (e *ManagerError) Error() string {
	msg := e.Code
	if e.Key != "" {
		msg += fmt.Sprintf(" [%s]", e.Key)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ManagerError) Unwrap() error {
	return e.Cause
}

// Is matches any *ManagerError with the same code.
func (e *ManagerError) Is(target error) bool {
	var t *ManagerError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newManagerError(code, key, message string, cause error) *ManagerError {
	return &ManagerError{
		Code:    code,
		Key:     key,
		Message: message,
		Cause:   cause,
	}
}

// panicError carries a recovered panic out of a section goroutine.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
