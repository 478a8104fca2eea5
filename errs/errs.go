// Package errs provides structured error types and helpers for the relay.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a relay error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeBudgetExceeded indicates the envelope budget rejected a forward.
	CodeBudgetExceeded Code = "budget_exceeded"
	// CodeAccessDenied indicates an access rule blocked the delivery.
	CodeAccessDenied Code = "access_denied"
	// CodeAdapterLoad indicates an adapter failed validation or instantiation.
	CodeAdapterLoad Code = "adapter_load"
	// CodePersistence indicates a disk write or read failure.
	CodePersistence Code = "persistence"
	// CodeDelivery indicates a subscriber or adapter delivery failure.
	CodeDelivery Code = "delivery_failed"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Reason refines a budget rejection.
type Reason string

const (
	// ReasonHopLimit reports the hop counter reached its maximum.
	ReasonHopLimit Reason = "hop_limit"
	// ReasonExpired reports the envelope TTL elapsed.
	ReasonExpired Reason = "expired"
	// ReasonBudgetExhausted reports the call budget ran out.
	ReasonBudgetExhausted Reason = "budget_exhausted"
	// ReasonCycle reports the next subject already appears in the ancestor chain.
	ReasonCycle Reason = "cycle"
)

// E captures structured error information produced across the relay stack.
type E struct {
	Op      string
	Code    Code
	Reason  Reason
	Message string
	Entity  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Reason:  "",
		Message: "",
		Entity:  "",
		cause:   nil,
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

// WithReason records the budget rejection reason.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithEntity names the entity the error relates to, e.g. an adapter or endpoint id.
func WithEntity(entity string) Option {
	trimmed := strings.TrimSpace(entity)
	return func(e *E) {
		e.Entity = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Entity != "" {
		parts = append(parts, "entity="+strconv.Quote(e.Entity))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches two envelopes when their codes agree, letting callers test
// errors.Is(err, errs.New("", errs.CodeAccessDenied)).
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Reason != "" && other.Reason != e.Reason {
		return false
	}
	return true
}

// CodeOf extracts the relay error code from err, or empty when err is not a relay error.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// ReasonOf extracts the budget rejection reason from err, or empty when absent.
func ReasonOf(err error) Reason {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}
