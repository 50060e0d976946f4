package errors

import (
	"context"
	goerrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ConnectionFailed indicates a source channel is unusable after exhausting retries
	ConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// TransportFailed indicates a single call failed on the network or with a 5xx
	TransportFailed ErrorCode = "TRANSPORT_ERROR"
	// Timeout indicates a call exceeded its deadline
	Timeout ErrorCode = "TIMEOUT"
	// RateLimited indicates the source throttled the caller
	RateLimited ErrorCode = "RATE_LIMITED"
	// RequestRejected indicates a non-retryable 4xx from the source
	RequestRejected ErrorCode = "REQUEST_REJECTED"
	// ParseFailed indicates a malformed upstream response
	ParseFailed ErrorCode = "PARSE_ERROR"
	// SourceNotRegistered indicates no adapter is registered for a source ID
	SourceNotRegistered ErrorCode = "SOURCE_NOT_REGISTERED"
	// InvalidInput indicates unusable caller input
	InvalidInput ErrorCode = "INVALID_INPUT"
	// Canceled indicates the batch or call was canceled
	Canceled ErrorCode = "CANCELED"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// SetEnv suggests setting an environment variable
	SetEnv FixActionType = "set-env"
	// EditConfig suggests changing a configuration key
	EditConfig FixActionType = "edit-config"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Key         string        `json:"key,omitempty"`
	Description string        `json:"description,omitempty"`
}

// EnrichError is a coded error raised by sources, the connection manager and the batch layer
type EnrichError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Source         string      `json:"source,omitempty"`
	StatusCode     int         `json:"statusCode,omitempty"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error
}

// New creates an EnrichError with the default fixes for its code
func New(code ErrorCode, source, message string, cause error) *EnrichError {
	return &EnrichError{
		Code:           code,
		Message:        message,
		Source:         source,
		SuggestedFixes: GetSuggestedFixes(code),
		cause:          cause,
	}
}

// Connection creates a CONNECTION_FAILED error
func Connection(source, message string, cause error) *EnrichError {
	return New(ConnectionFailed, source, message, cause)
}

// Transport creates a TRANSPORT_ERROR error
func Transport(source, message string, cause error) *EnrichError {
	return New(TransportFailed, source, message, cause)
}

// Parse creates a PARSE_ERROR error
func Parse(source, message string, cause error) *EnrichError {
	return New(ParseFailed, source, message, cause)
}

// Error implements the error interface
func (e *EnrichError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Source != "" {
		prefix = fmt.Sprintf("[%s %s]", e.Code, e.Source)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *EnrichError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *EnrichError) WithDetails(details interface{}) *EnrichError {
	e.Details = details
	return e
}

// WithStatus records the upstream HTTP status
func (e *EnrichError) WithStatus(status int) *EnrichError {
	e.StatusCode = status
	return e
}

// CodeOf extracts the error code from err. Context errors map to CANCELED and TIMEOUT,
// anything else without a code is INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ee *EnrichError
	if goerrors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case goerrors.Is(err, context.Canceled):
		return Canceled
	case goerrors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return InternalError
}

// IsTransport reports whether err is a failure the caller should attribute to the channel
func IsTransport(err error) bool {
	switch CodeOf(err) {
	case TransportFailed, Timeout, RateLimited, RequestRejected:
		return true
	}
	return false
}

// IsRetryable reports whether another attempt may succeed
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case TransportFailed, Timeout, RateLimited:
		return true
	}
	return false
}

// IsParse reports whether err is a malformed-response failure
func IsParse(err error) bool {
	return CodeOf(err) == ParseFailed
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	ConnectionFailed: {
		{
			Type:        RunCommand,
			Command:     "restlink doctor",
			Description: "Check source credentials and reachability",
		},
	},
	RateLimited: {
		{
			Type:        EditConfig,
			Key:         "batch.maxInFlight",
			Description: "Lower concurrency to stay under the source quota",
		},
	},
	Timeout: {
		{
			Type:        EditConfig,
			Key:         "batch.perCallTimeoutMs",
			Description: "Raise the per-call timeout",
		},
	},
	SourceNotRegistered: {
		{
			Type:        EditConfig,
			Key:         "sources",
			Description: "Enable the source and provide its credentials",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
