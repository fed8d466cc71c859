// Package faults defines the error taxonomy shared by every service. Handlers
// map a Kind to an HTTP status and a generic message; internal detail stays in
// logs and the audit trail, never in responses.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Invalid         Kind = "invalid"
	Conflict        Kind = "conflict"
	Upstream        Kind = "upstream"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against sentinel errors built with
// the same kind, e.g. errors.Is(err, faults.New(faults.NotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to Upstream for
// unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Upstream
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a Kind to its transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Invalid:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// Message returns the caller-visible message for an error kind. Internal
// reasons (which ownership check failed, which field was rejected upstream)
// are deliberately not echoed.
func Message(err error) string {
	switch KindOf(err) {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case Invalid:
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return "invalid request"
	case Conflict:
		return "conflict"
	default:
		return "upstream unavailable"
	}
}
