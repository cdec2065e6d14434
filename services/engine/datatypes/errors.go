// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes failures across the service. Handlers map kinds to
// HTTP statuses; workers map them to retry decisions. Provider-native errors
// (Weaviate, GCS, Redis, OpenAI) must be wrapped before crossing a package
// boundary so their internals never reach a client.
type ErrorKind string

const (
	// KindValidation indicates bad input shape, sizes, enums, or tag syntax.
	KindValidation ErrorKind = "validation"

	// KindUnauthorized indicates a missing or invalid auth context.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindNotFound indicates an unknown or soft-deleted id.
	KindNotFound ErrorKind = "not-found"

	// KindConflict indicates a conditional write failed (already exists,
	// concurrent status change). Callers may treat it as idempotent success.
	KindConflict ErrorKind = "conflict"

	// KindRateLimited indicates upstream throttling after retries.
	KindRateLimited ErrorKind = "rate-limited"

	// KindInternal is the uncategorized default, including partial side
	// effects on capture.
	KindInternal ErrorKind = "internal"

	// KindDecryptionFailed indicates an AAD mismatch on a message. During
	// batch reads the plaintext is replaced by a sentinel instead.
	KindDecryptionFailed ErrorKind = "decryption-failed"
)

// Error is the service-wide error type carrying a kind, the operation that
// failed, and an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with a message and no cause.
func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// WrapError wraps a cause under the given kind and operation.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unrecognized errors are KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an ErrorKind to the HTTP status surfaced to clients.
// decryption-failed is deliberately internal: the client must never learn
// which message failed to decrypt.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the sanitized message for an error response body.
// Internal causes are collapsed to a fixed string so provider stack traces
// and store-native error names never leak.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindNotFound, KindConflict, KindUnauthorized:
			if e.Msg != "" {
				return e.Msg
			}
			return string(e.Kind)
		case KindRateLimited:
			return "upstream is throttling requests, retry later"
		}
	}
	return "internal error"
}
