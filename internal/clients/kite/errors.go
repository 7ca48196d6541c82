package kite

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the typed taxonomy for upstream broker failures.
type ErrorKind string

const (
	ErrTokenExpired     ErrorKind = "token_expired"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrNetwork          ErrorKind = "network_error"
	ErrInvalidInput     ErrorKind = "invalid_input"
	ErrOrder            ErrorKind = "order_error"
	ErrKiteAPI          ErrorKind = "kite_api_error"
	ErrUnknown          ErrorKind = "unknown_error"
)

// APIError is a typed error returned by the Kite API envelope.
// ErrorType carries the upstream exception name (e.g. "TokenException").
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kite api error (%s): %s", e.ErrorType, e.Message)
}

// ClassifiedError wraps an arbitrary upstream failure with exactly one kind
// and a fixed remediation hint. Ephemeral and immutable - never persisted.
type ClassifiedError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Context     string    `json:"context,omitempty"`
	Remediation string    `json:"remediation"`
	cause       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// tokenSignals are message fragments that indicate an expired or rejected
// session even when the upstream raises a generic error type. The upstream
// library does not reliably raise a distinct type for expiry, so message
// sniffing is a required fallback.
var tokenSignals = []string{
	"token", "session", "expired", "unauthorized", "401", "403",
}

var networkSignals = []string{
	"connection refused", "connection reset", "no such host",
	"timeout", "timed out", "network is unreachable", "eof",
}

// Classify maps an arbitrary upstream failure into exactly one ErrorKind.
// Priority order: explicit upstream error type if available, then keyword
// match against the message text.
func Classify(err error, context string) *ClassifiedError {
	if err == nil {
		return nil
	}

	// Already classified - keep the original kind, refresh context
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		if classified.Context == "" && context != "" {
			return &ClassifiedError{
				Kind:        classified.Kind,
				Message:     classified.Message,
				Context:     context,
				Remediation: classified.Remediation,
				cause:       classified.cause,
			}
		}
		return classified
	}

	kind := classifyKind(err)
	return &ClassifiedError{
		Kind:        kind,
		Message:     err.Error(),
		Context:     context,
		Remediation: remediationFor(kind),
		cause:       err,
	}
}

func classifyKind(err error) ErrorKind {
	// 1. Explicit upstream error subtype
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorType {
		case "TokenException":
			return ErrTokenExpired
		case "PermissionException":
			return ErrPermissionDenied
		case "InputException", "DataException":
			return ErrInvalidInput
		case "OrderException":
			return ErrOrder
		case "NetworkException":
			return ErrNetwork
		default:
			// Typed but unrecognized - still check for token wording before
			// falling back to the generic upstream kind
			if matchesAny(apiErr.Message, tokenSignals) {
				return ErrTokenExpired
			}
			return ErrKiteAPI
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}

	// 2. Keyword match against the message text
	msg := err.Error()
	if matchesAny(msg, tokenSignals) {
		return ErrTokenExpired
	}
	if matchesAny(msg, networkSignals) {
		return ErrNetwork
	}

	return ErrUnknown
}

func matchesAny(msg string, signals []string) bool {
	lower := strings.ToLower(msg)
	for _, s := range signals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// remediationFor returns the fixed remediation hint for a kind.
func remediationFor(kind ErrorKind) string {
	switch kind {
	case ErrTokenExpired:
		return "re-run the login flow to obtain a fresh access token"
	case ErrPermissionDenied:
		return "check API key permissions and subscription for this endpoint"
	case ErrNetwork:
		return "retry after ~30s"
	case ErrInvalidInput:
		return "check request parameters (symbols, date range, interval)"
	case ErrOrder:
		return "check order parameters and account margins"
	case ErrKiteAPI:
		return "upstream broker error - retry, then check the broker status page"
	default:
		return "inspect logs for the underlying cause"
	}
}
