package telemetry

import (
	"fmt"
	"strings"
)

// AuthError reports a failed login or logout against the portal.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("auth: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchConnectionRefused FetchErrorKind = "connection_refused"
	FetchTransport         FetchErrorKind = "transport"
	FetchMalformed         FetchErrorKind = "malformed_payload"
	FetchUnexpectedStatus  FetchErrorKind = "unexpected_status"
	FetchUnauthorized      FetchErrorKind = "unauthorized"
)

// FetchError reports a failed telemetry poll.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch: " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageErrorKind classifies storage failures.
type StorageErrorKind string

const (
	StorageConnectionLost  StorageErrorKind = "connection_lost"
	StoragePayloadTooLarge StorageErrorKind = "payload_too_large"
	StorageConstraint      StorageErrorKind = "constraint"
	StorageSchema          StorageErrorKind = "schema"
	StorageOther           StorageErrorKind = "other"
)

// StorageError wraps a driver error with its classification.
type StorageError struct {
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage: " + string(e.Kind)
	}
	return "storage: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransformError reports an upstream field that could not be converted.
type TransformError struct {
	Field string
	Raw   string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform: field %s: value %q: %v", e.Field, e.Raw, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
