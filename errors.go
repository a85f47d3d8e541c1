package airouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Code classifies every error surfaced by the router. Adapters and the
// router normalize all failures into one of these values so callers can
// branch on the class instead of matching backend message strings.
type Code string

const (
	// CodeLimitExceeded means no provider could accept the request: every
	// candidate was disabled, exhausted, cooling down, or blocked.
	CodeLimitExceeded Code = "LIMIT_EXCEEDED"

	// CodeAuthError means the backend rejected the configured credential.
	// The provider is suspended for the rest of the process lifetime.
	CodeAuthError Code = "AUTH_ERROR"

	// CodeInvalidResponse means the backend answered but the payload did
	// not satisfy the requested schema or the caller's validation.
	CodeInvalidResponse Code = "INVALID_RESPONSE"

	// CodeConfigError means a provider entry is not usable as configured,
	// for example a missing credential or model name.
	CodeConfigError Code = "CONFIG_ERROR"

	// CodeProviderError covers transport failures, timeouts, and upstream
	// HTTP errors, including rate-limit and payment-required statuses.
	CodeProviderError Code = "PROVIDER_ERROR"
)

// InfraProvider is the provider name attached to errors that originate in
// the routing infrastructure itself, such as an unreachable quota store.
const InfraProvider = "routing-infrastructure"

// Error is the normalized error type for all routing failures.
type Error struct {
	Code     Code
	Provider string
	Status   int // upstream HTTP status, 0 when not applicable
	Message  string
	Err      error // wrapped cause, may be nil

	// Payload holds the offending document for INVALID_RESPONSE errors so
	// a repair call can echo it back to the backend.
	Payload json.RawMessage
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("airouter: %s [%s]: %s", e.Code, e.Provider, e.Message)
	}
	return fmt.Sprintf("airouter: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns the normalized *Error inside err, if any.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code Code) bool {
	re, ok := AsError(err)
	return ok && re.Code == code
}

// Classify normalizes an arbitrary error from a provider adapter. Errors
// that are already *Error pass through, gaining the provider name if the
// adapter left it empty. Everything else becomes a PROVIDER_ERROR.
func Classify(provider string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		if re.Provider == "" {
			re.Provider = provider
		}
		return re
	}
	msg := "provider call failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "provider call timed out"
	}
	return &Error{
		Code:     CodeProviderError,
		Provider: provider,
		Message:  msg,
		Err:      err,
	}
}

// rateLimited reports whether an upstream status means the provider is
// rate limiting us. 427 is unassigned but some gateways use it the same
// way, so it is treated like 429.
func rateLimited(status int) bool {
	return status == 429 || status == 427
}

func infraError(op string, err error) *Error {
	return &Error{
		Code:     CodeProviderError,
		Provider: InfraProvider,
		Message:  op + " failed",
		Err:      err,
	}
}
