// Package errs provides structured error types shared across tickgate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category in the ingestion error taxonomy.
type Code string

const (
	// CodeTransport indicates a socket open/read/write failure.
	CodeTransport Code = "transport_error"
	// CodeHeartbeatTimeout indicates no connection activity within the threshold.
	CodeHeartbeatTimeout Code = "heartbeat_timeout"
	// CodeParse indicates a malformed or unknown wire message.
	CodeParse Code = "parse_error"
	// CodeValidation indicates a canonical record failed schema or range checks.
	CodeValidation Code = "validation_error"
	// CodeStaleTimestamp indicates an event timestamp outside the accepted window.
	CodeStaleTimestamp Code = "stale_or_future_timestamp"
	// CodeBatchTooLarge indicates a parse batch exceeded the configured maximum.
	CodeBatchTooLarge Code = "batch_too_large"
	// CodeCapacity indicates a stream or subscription limit was reached.
	CodeCapacity Code = "capacity_exhausted"
	// CodeNotFound indicates an unknown subscription, stream, or connection id.
	CodeNotFound Code = "not_found"
	// CodeDuplicate indicates an idempotent conflict.
	CodeDuplicate Code = "duplicate"
	// CodeSink indicates a publisher, cache, or broadcast callback failure.
	CodeSink Code = "sink_error"
	// CodeTimeout indicates a blocking operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeFatalInit indicates configuration invariants were violated at startup.
	CodeFatalInit Code = "fatal_init"
)

// E captures structured error information produced across the tickgate stack.
type E struct {
	Exchange string
	Code     Code
	Message  string
	Context  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
		Message:  "",
		Context:  nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, 1)
		}
		e.Context[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithContext merges the provided metadata into the error envelope.
func WithContext(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the unwrap chain.
// Errors outside the envelope report an empty code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
