package app

import (
	"errors"
	"fmt"

	"orangecat/governance/internal/dispatch"
	"orangecat/governance/internal/store"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation_error"
	KindExecution    Kind = "execution_error"
)

// Error is a caller-facing failure. errors.Is matches any *Error of the same kind, so
// errors.Is(err, ErrForbidden) works for every forbidden error.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrExecution    = &Error{Kind: KindExecution}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func domainError(kind Kind, message string, details any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func notFound(what string) *Error {
	return domainError(KindNotFound, what+" not found", nil)
}

func forbidden(message string) *Error {
	return domainError(KindForbidden, message, nil)
}

func invalidState(message string, status store.ProposalStatus) *Error {
	return domainError(KindInvalidState, message, map[string]any{"status": status})
}

func validation(message string) *Error {
	return domainError(KindValidation, message, nil)
}

// classify turns lower-layer errors into kinds; anything unrecognized is returned as is.
func classify(err error, what string) error {
	var appErr *Error
	var execErr *dispatch.ExecutionError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.As(err, &execErr):
		return &Error{
			Kind:    KindExecution,
			Message: execErr.Err.Error(),
			Details: map[string]any{"proposal_id": execErr.ProposalID, "action_kind": execErr.ActionKind},
			Err:     err,
		}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: what + " not found", Err: err}
	case errors.Is(err, dispatch.ErrNotPassed), errors.Is(err, dispatch.ErrNoAction):
		return &Error{Kind: KindInvalidState, Message: err.Error(), Err: err}
	default:
		return err
	}
}
