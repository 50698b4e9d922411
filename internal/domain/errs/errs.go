// Package errs provides the structured error envelope returned by the marketplace ledger.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a ledger failure category.
type Code string

const (
	// CodeValidation indicates malformed, zero, or empty inputs.
	CodeValidation Code = "validation"
	// CodeAuthorization indicates the caller lacks the required role.
	CodeAuthorization Code = "authorization"
	// CodeCapacity indicates the requested amount exceeds what is available.
	CodeCapacity Code = "capacity"
	// CodePayment indicates the supplied value does not equal the required total.
	CodePayment Code = "payment"
	// CodeReplay indicates a nonce mismatch.
	CodeReplay Code = "replay"
	// CodeLock indicates the offer is reserved by another in-flight attempt.
	CodeLock Code = "lock"
	// CodeNotFound indicates an unknown id or an already completed purchase.
	CodeNotFound Code = "not_found"
	// CodeSettlement indicates the fund-transfer handler refused the commit.
	CodeSettlement Code = "settlement"
	// CodeUnavailable indicates the engine is not accepting commands.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced by the ledger.
type E struct {
	Op      string
	Code    Code
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		Fields:  nil,
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

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair describing the failing entity.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the ledger code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var target *E
	if errors.As(err, &target) && target != nil {
		return target.Code, true
	}
	return "", false
}

// Is reports whether err carries the supplied ledger code.
func Is(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
