package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/ledger"
)

// Kind is the class of a failed call; it decides whether the executor retries.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindNotFound
	KindInvalidArgument
	KindUnauthorized
	KindAlreadyExists
	KindSerialization
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnauthorized:
		return "unauthorized"
	case KindAlreadyExists:
		return "already_exists"
	case KindSerialization:
		return "serialization"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool { return k == KindTransient || k == KindRateLimited }

// Error is a classified call failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// ErrExhaustedRetries matches every ExhaustedRetriesError.
var ErrExhaustedRetries = errors.New("exhausted retries")

// ExhaustedRetriesError is returned once a retryable failure persisted through every allowed attempt.
type ExhaustedRetriesError struct {
	Attempts int
	Kind     Kind // Kind of the last failure.
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() []error { return []error{ErrExhaustedRetries, e.Last} }

// KindOf returns the kind of an error returned by the executor, classifying it if it was not classified yet.
func KindOf(err error) Kind {
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		return exhausted.Kind
	}
	return Classify(err)
}

// IsNotFound reports whether `err` says the entity does not exist.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// JSON-RPC 2.0 reserved error codes.
const (
	jsonRPCInvalidRequest = -32600
	jsonRPCInvalidParams  = -32602
)

var (
	permanentPatterns = []struct {
		pattern string
		kind    Kind
	}{
		{"not found", KindNotFound},
		{"nonexistent", KindNotFound},
		{"does not exist", KindNotFound},
		{"invalid token id", KindInvalidArgument},
		{"invalid id", KindInvalidArgument},
		{"invalid argument", KindInvalidArgument},
		{"malformed", KindInvalidArgument},
		{"unauthorized", KindUnauthorized},
		{"forbidden", KindUnauthorized},
		{"already exists", KindAlreadyExists},
	}
	rateLimitPatterns = []string{"429", "too many requests", "rate limit"}
)

// Classify maps an error onto a Kind. Typed errors are inspected first, then the message; anything unrecognized is
// transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var serialization *cache.SerializationError
	if errors.As(err, &serialization) {
		return KindSerialization
	}
	var rpcErr *ledger.RPCError
	if errors.As(err, &rpcErr) {
		if kind, ok := classifyRPCError(rpcErr); ok {
			return kind
		}
	}
	if isTransientTransportError(err) {
		return KindTransient
	}
	return classifyMessage(err.Error())
}

func classifyRPCError(err *ledger.RPCError) (Kind, bool) {
	switch status := err.StatusCode; {
	case status == http.StatusOK:
		switch err.Code {
		case jsonRPCInvalidRequest, jsonRPCInvalidParams:
			return KindInvalidArgument, true
		}
		return 0, false // JSON-RPC error objects are told apart by their message.
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status >= http.StatusInternalServerError:
		return KindTransient, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized, true
	case status == http.StatusNotFound:
		return KindNotFound, true
	case status == http.StatusConflict:
		return KindAlreadyExists, true
	case status == http.StatusRequestTimeout:
		return KindTransient, true
	case status >= http.StatusBadRequest:
		return KindInvalidArgument, true
	}
	return 0, false
}

func isTransientTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classifyMessage(message string) Kind {
	message = strings.ToLower(message)
	for _, permanent := range permanentPatterns {
		if strings.Contains(message, permanent.pattern) {
			return permanent.kind
		}
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(message, pattern) {
			return KindRateLimited
		}
	}
	// Timeouts, resets, refused connections and gateway errors are transient, like anything unrecognized.
	return KindTransient
}
