package calsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrUnsupportedSource   = errors.New("unsupported source")
	ErrNetwork             = errors.New("network failure")
	ErrAuthExpired         = errors.New("auth expired")
	ErrTokenExpired        = errors.New("sync token expired")
	ErrStorage             = errors.New("storage failure")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrQueueFull           = errors.New("queue full")
	ErrClientStateMismatch = errors.New("client state mismatch")
)

// ProviderError carries the adapter call that failed and the taxonomy
// sentinel it maps to.
type ProviderError struct {
	Source     Source
	Op         string
	StatusCode int
	Kind       error
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Source, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.op, e.err)
}

func (e *storageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *storageError) Unwrap() error {
	return e.err
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return &storageError{op: op, err: err}
}

// ErrorCode maps an error to the stable code reported in sync status and
// HTTP error bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorage):
		return "storage_failure"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnsupportedSource):
		return "unsupported_source"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrClientStateMismatch):
		return "client_state_mismatch"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrNetwork):
		return "network_failure"
	default:
		return "internal_error"
	}
}
