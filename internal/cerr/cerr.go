// Package cerr implements the error taxonomy of §4.10: a fixed set of kinds
// whose *contract* (retryable vs. fatal, which carry a provider request id)
// matters more than their names. Every kind is a *health.HealthErr carrying
// a health.Kind attr, so both the Go error chain (errors.As/errors.Is) and
// the structured log line agree on what happened.
package cerr

import (
	"errors"
	"fmt"

	"github.com/codalotl/relaycore/internal/q/health"
)

type Kind = health.Kind

const (
	KindStream                Kind = "stream"
	KindContextWindowExceeded Kind = "context_window_exceeded"
	KindConnectionFailed      Kind = "connection_failed"
	KindResponseStreamFailed  Kind = "response_stream_failed"
	KindUnexpectedStatus      Kind = "unexpected_status"
	KindRetryLimit             Kind = "retry_limit"
	KindMissingEnvVar          Kind = "missing_env_var"
	KindAuth                  Kind = "auth"
	KindJSON                  Kind = "json"
	KindUnsupportedOperation  Kind = "unsupported_operation"
	KindFatal                 Kind = "fatal"
	KindInterrupted           Kind = "interrupted"
)

// Stream is a transient streaming error; honored by retry loops (§4.3, §4.5
// step 4). RetryAfter is non-nil when the provider specified a cooldown.
func Stream(message string, retryAfterSeconds *int64) error {
	var args []any
	if retryAfterSeconds != nil {
		args = append(args, "retry_after_seconds", *retryAfterSeconds)
	}
	return health.NewKindErr(KindStream, message, args...)
}

// ContextWindowExceeded triggers compaction or head-trim retries (§4.5 step 4).
func ContextWindowExceeded() error {
	return health.NewKindErr(KindContextWindowExceeded, "context window exceeded")
}

// ConnectionFailed wraps a network error; retryable with backoff.
func ConnectionFailed(source error) error {
	return health.WrapKind(KindConnectionFailed, "connection failed", source)
}

// ResponseStreamFailed indicates the stream was interrupted after headers;
// retryable according to §4.3's stream_max_retries policy.
func ResponseStreamFailed(source error, requestID string) error {
	args := []any{}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	return health.WrapKind(KindResponseStreamFailed, "response stream failed", source, args...)
}

// UnexpectedStatus is a non-retryable HTTP error.
func UnexpectedStatus(status int, body string, requestID string) error {
	args := []any{"status", status}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if len(body) > 2048 {
		body = body[:2048] + "...(truncated)"
	}
	args = append(args, "body", body)
	return health.NewKindErr(KindUnexpectedStatus, "unexpected response status", args...)
}

// RetryLimit is the final status after exhausting retries (§4.3).
func RetryLimit(status int, requestID string) error {
	args := []any{"status", status}
	if requestID != "" {
		args = append(args, "request_id", requestID)
	}
	return health.NewKindErr(KindRetryLimit, "retry limit reached", args...)
}

// MissingEnvVar is a fatal configuration error.
func MissingEnvVar(varName, instructions string) error {
	args := []any{"var", varName}
	if instructions != "" {
		args = append(args, "instructions", instructions)
	}
	return health.NewKindErr(KindMissingEnvVar, "missing environment variable", args...)
}

func Auth(message string) error {
	return health.NewKindErr(KindAuth, message)
}

func JSON(source error) error {
	return health.WrapKind(KindJSON, "json error", source)
}

func UnsupportedOperation(message string) error {
	return health.NewKindErr(KindUnsupportedOperation, message)
}

func Fatal(message string) error {
	return health.NewKindErr(KindFatal, message)
}

func Interrupted() error {
	return health.NewKindErr(KindInterrupted, "interrupted")
}

// IsKind reports whether err (or anything it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if health.KindOf(err) == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Retryable reports whether kind is handled locally by the model client's
// retry loop (§4.10's propagation rule): everything else surfaces on the
// event channel as an Error event.
func Retryable(kind Kind) bool {
	switch kind {
	case KindStream, KindConnectionFailed, KindResponseStreamFailed:
		return true
	default:
		return false
	}
}

// UserVisible renders one of the two fixed run-ending messages from §7, or
// falls back to the propagated error's own message (with request id, when
// the error carries one via fmt %w chaining).
func UserVisible(runID string, err error) string {
	if err == nil {
		return fmt.Sprintf("run %s ended before emitting final_delivery message", runID)
	}
	if IsKind(err, KindInterrupted) {
		return "run interrupted by Ctrl+C"
	}
	return err.Error()
}
