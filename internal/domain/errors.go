// Package domain holds the error taxonomy shared by the catalog, prescription
// and service packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Typed errors below report these through errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotEditable       = errors.New("prescription is not editable")
	ErrAlreadyDecided    = errors.New("prescription already decided")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotFound          = errors.New("not found")
	ErrStore             = errors.New("store failure")
	ErrForbidden         = errors.New("forbidden")
)

// Kind is a stable, wire-friendly name for an error kind.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotEditable       Kind = "not_editable"
	KindAlreadyDecided    Kind = "already_decided"
	KindInsufficientStock Kind = "insufficient_stock"
	KindNotFound          Kind = "not_found"
	KindStore             Kind = "store_error"
	KindForbidden         Kind = "forbidden"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. More specific kinds win: an already-decided conflict
// is also an invalid transition but reports as already_decided.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyDecided):
		return KindAlreadyDecided
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrNotEditable):
		return KindNotEditable
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrStore):
		return KindStore
	default:
		return KindInternal
	}
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

// Validation builds a ValidationError from field messages.
func Validation(fields ...string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ForbiddenError reports a role or ownership guard failure.
type ForbiddenError struct {
	Action string
	Role   string
}

// Forbidden builds a ForbiddenError.
func Forbidden(action, role string) *ForbiddenError {
	return &ForbiddenError{Action: action, Role: role}
}

func (e *ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("forbidden: %s requires an authenticated user", e.Action)
	}
	return fmt.Sprintf("forbidden: role %q may not %s", e.Role, e.Action)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// StockError carries the human-readable list of unsatisfied lines.
type StockError struct {
	Missing []string
}

func (e *StockError) Error() string {
	if len(e.Missing) == 0 {
		return ErrInsufficientStock.Error()
	}
	return "insufficient stock: " + strings.Join(e.Missing, ", ")
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

// StoreError wraps an underlying store or network failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// Store wraps err as a StoreError unless it is nil or already carries a
// domain kind, in which case it is returned unchanged.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
