package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shohag/calrelay/internal/models"
)

type Capability string

const (
	CapCreate       Capability = "create"
	CapUpdate       Capability = "update"
	CapDelete       Capability = "delete"
	CapReminders    Capability = "reminders"
	CapRecurrence   Capability = "recurrence"
	CapAttendees    Capability = "attendees"
	CapAvailability Capability = "availability"
)

type Capabilities []Capability

func (c Capabilities) Has(want Capability) bool {
	for _, have := range c {
		if have == want {
			return true
		}
	}
	return false
}

type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeTransient        ErrorCode = "TRANSIENT_NETWORK"
	CodeUnsupported      ErrorCode = "UNSUPPORTED_OPERATION"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Retryable reports whether a failure with this code may succeed on a later attempt.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeRateLimit, CodeTimeout, CodeTransient:
		return true
	}
	return false
}

// Result is the outcome of one adapter call. Adapters never return a bare
// error from event operations; every failure is folded into a Result.
type Result struct {
	Success         bool      `json:"success"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	ErrorCode       ErrorCode `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Retryable       bool      `json:"retryable"`
	DurationMs      int64     `json:"duration_ms"`
}

func OK(externalEventID string) Result {
	return Result{Success: true, ExternalEventID: externalEventID}
}

// Error is a normalized provider failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

func (e *Error) Result() Result {
	return Result{ErrorCode: e.Code, ErrorMessage: e.Message, Retryable: e.Code.Retryable()}
}

// Fail converts any error into a failed Result.
func Fail(err error) Result {
	return AsError(err).Result()
}

// AsError normalizes err into an *Error. Deadline and network errors map to
// retryable codes; anything unrecognized is UNKNOWN and not retried.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeTransient, Message: err.Error()}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return &Error{Code: CodeTransient, Message: err.Error()}
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

func unsupported(provider, op string) Result {
	return NewError(CodeUnsupported, "%s does not support %s; re-issue a new invite instead", provider, op).Result()
}

// Adapter talks to one calendar backend.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	CreateEvent(ctx context.Context, event models.CalendarEvent) Result
	UpdateEvent(ctx context.Context, externalID string, patch models.EventPatch) Result
	DeleteEvent(ctx context.Context, externalID string) Result
	GetAvailability(ctx context.Context, rng models.TimeRange) ([]models.TimeRange, error)
	TestConnection(ctx context.Context) Result
}
