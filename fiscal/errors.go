package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure categories the pipeline
// propagates. Callers branch on the kind, never on message substrings.
type ErrorKind string

const (
	// ErrorKindNetwork: transport-level failure or timeout. Always retryable.
	ErrorKindNetwork ErrorKind = "NETWORK"
	// ErrorKindProtocol: the authority rejected the payload. Retryable only
	// when the code indicates a transient authority-side condition.
	ErrorKindProtocol ErrorKind = "PROTOCOL"
	// ErrorKindPersistence: a local write failed after an external call
	// already succeeded. Critical; the authority now has state we do not.
	ErrorKindPersistence ErrorKind = "PERSISTENCE"
	// ErrorKindConfiguration: missing/invalid configuration. Fatal at startup.
	ErrorKindConfiguration ErrorKind = "CONFIGURATION"
	// ErrorKindExhausted: the queue entry used up its retry budget and was
	// dead-lettered. Needs manual operator action.
	ErrorKindExhausted ErrorKind = "EXHAUSTED"
)

// Error carries the normalized category alongside the authority's verbatim
// code and message, which operators need for compliance traceability.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func NewNetworkError(err error) *Error {
	return &Error{Kind: ErrorKindNetwork, Code: "NETWORK", Err: err}
}

func NewProtocolError(code, message string) *Error {
	return &Error{Kind: ErrorKindProtocol, Code: code, Message: message}
}

func NewPersistenceError(op string, err error) *Error {
	return &Error{Kind: ErrorKindPersistence, Code: "PERSISTENCE", Message: op, Err: err}
}

func NewConfigurationError(message string) *Error {
	return &Error{Kind: ErrorKindConfiguration, Code: "CONFIGURATION", Message: message}
}

func NewExhaustedError(entryId int) *Error {
	return &Error{Kind: ErrorKindExhausted, Code: "EXHAUSTED", Message: fmt.Sprintf("queue entry %d dead-lettered after max attempts", entryId)}
}

// KindOf extracts the error kind, if the error (or anything it wraps)
// is a pipeline error.
func KindOf(err error) (ErrorKind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// CodeOf returns the normalized error code for queue bookkeeping and
// audit rows. Unclassified errors report as NETWORK: anything we cannot
// attribute to the authority is assumed transient and retried.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Code != "" {
			return fe.Code
		}
		return string(fe.Kind)
	}
	return "NETWORK"
}

// Retryable reports whether the submission may be retried without risking
// a duplicate fiscal record or repeating a guaranteed failure.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		// Unclassified errors are treated as transport problems.
		return true
	}
	switch fe.Kind {
	case ErrorKindNetwork:
		return true
	case ErrorKindProtocol:
		return transientProtocolCode(fe.Code)
	default:
		return false
	}
}

// transientProtocolCode: the authority flags server-side/temporary
// conditions with SRV-/TMP- prefixed codes; 5xx statuses map to HTTP-5xx.
func transientProtocolCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.HasPrefix(code, "SRV-") ||
		strings.HasPrefix(code, "TMP-") ||
		strings.HasPrefix(code, "HTTP-5")
}
