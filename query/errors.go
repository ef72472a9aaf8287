package query

import (
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

// Kind classifies engine failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNetwork is a transport level failure, including timeouts.
	KindNetwork
	// KindParse is a response whose shape is invalid.
	KindParse
	// KindServer is a non-2xx response with a structured payload.
	KindServer
	// KindOptimisticRollback is raised when a mutation fails after its
	// optimistic patch was applied and rolled back.
	KindOptimisticRollback
	// KindEnrichment is a failed secondary fetch. It is never surfaced to
	// the primary query.
	KindEnrichment
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NetworkError"
	case KindParse:
		return "ParseError"
	case KindServer:
		return "ServerError"
	case KindOptimisticRollback:
		return "OptimisticRollback"
	case KindEnrichment:
		return "EnrichmentFailure"
	default:
		return "Unknown"
	}
}

// Error is the error type produced by every layer of the engine.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Key      Key
	// Status is the HTTP status for KindServer errors.
	Status int
	// Payload is the decoded error body for KindServer errors.
	Payload map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " [" + string(e.Key) + "]"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code maps the error onto the platform error codes.
func (e *Error) Code() perrors.ErrorCode {
	switch e.Kind {
	case KindNetwork:
		if perrors.GetCode(e.Err) == perrors.CodeTimeout {
			return perrors.CodeTimeout
		}
		return perrors.CodeNetwork
	case KindParse:
		return perrors.CodeSchemaFailed
	case KindServer:
		return codeForStatus(e.Status)
	case KindOptimisticRollback:
		var inner *Error
		if errors.As(e.Err, &inner) {
			return inner.Code()
		}
		return perrors.CodeConflict
	case KindEnrichment:
		return perrors.CodeExecutionFailed
	}
	return perrors.CodeUnknown
}

// Retryable reports whether retrying the same request may succeed.
func (e *Error) Retryable() bool {
	return perrors.IsRetryable(perrors.Wrap(e, e.Code(), e.Kind.String()))
}

func codeForStatus(status int) perrors.ErrorCode {
	switch {
	case status == http.StatusNotFound:
		return perrors.CodeNotFound
	case status == http.StatusUnauthorized:
		return perrors.CodeUnauthorized
	case status == http.StatusForbidden:
		return perrors.CodeForbidden
	case status == http.StatusConflict:
		return perrors.CodeConflict
	case status == http.StatusTooManyRequests:
		return perrors.CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return perrors.CodeTimeout
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return perrors.CodeUnavailable
	case status >= 400 && status < 500:
		return perrors.CodeInvalidInput
	}
	return perrors.CodeInternal
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in the chain has kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// Cause returns the error wrapped by a rollback, or err itself.
func Cause(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindOptimisticRollback && e.Err != nil {
		return e.Err
	}
	return err
}
