package service

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("service unavailable")
	ErrInternal     = errors.New("internal error")
)

// Error is the failure type every service operation returns. Step tells a
// client which step of a multi-step flow to resume at.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Step    int
	Field   string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

func (e *Error) atStep(step int) *Error {
	e.Step = step
	return e
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func validationErr(code, field, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: msg}
}

func conflictErr(field, msg string) *Error {
	return &Error{Kind: KindConflict, Code: "already_exists", Field: field, Message: msg}
}

func unauthorizedErr(code, msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: code, Message: msg}
}

func notFoundErr(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func unavailableErr(code, msg string, err error) *Error {
	return &Error{Kind: KindUnavailable, Code: code, Message: msg, Err: err}
}

func internalErr(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal server error", Err: err}
}

func invalidCredentials() *Error {
	return unauthorizedErr("invalid_credentials", "invalid credentials")
}

func invalidSession(step int) *Error {
	return unauthorizedErr("invalid_session", "session is missing or expired").atStep(step)
}

// AsError returns err as *Error, wrapping anything unexpected as internal.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return internalErr(err)
}
