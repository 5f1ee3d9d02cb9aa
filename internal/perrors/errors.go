// Package perrors defines the caller-visible error kinds shared across the
// Model Library Core.
package perrors

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for the caller-visible error kinds.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotReady      = errors.New("not ready")
	ErrInsecure      = errors.New("insecure format")
	ErrCancelled     = errors.New("download cancelled")
	ErrPaused        = errors.New("download paused")
)

// Error wraps a sentinel kind with operation context.
type Error struct {
	Kind  error
	Op    string
	Path  string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Kind
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NotFound builds a NotFound error for the named resource.
func NotFound(op, resource string) error {
	return &Error{Kind: ErrNotFound, Op: op, Path: resource}
}

// AlreadyExists builds an AlreadyExists error for the given path.
func AlreadyExists(op, path string) error {
	return &Error{Kind: ErrAlreadyExists, Op: op, Path: path}
}

// InvalidInput builds an InvalidInput error describing a bad field.
func InvalidInput(op, field, reason string) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Path: field, Cause: errors.New(reason)}
}

// Io wraps a filesystem failure.
func Io(op, path string, cause error) error {
	return &Error{Kind: fmt.Errorf("io error"), Op: op, Path: path, Cause: cause}
}

// HashMismatch describes a digest verification failure.
type HashMismatch struct {
	Expected string
	Actual   string
}

func (h *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", h.Expected, h.Actual)
}

// RateLimited describes a 429/403 response from an upstream service.
type RateLimited struct {
	Service       string
	RetryAfterSec *int
}

func (r *RateLimited) Error() string {
	if r.RetryAfterSec != nil {
		return fmt.Sprintf("%s: rate limited, retry after %ds", r.Service, *r.RetryAfterSec)
	}
	return fmt.Sprintf("%s: rate limited", r.Service)
}

// GitHubAPI describes a non-2xx GitHub response that isn't a rate limit.
type GitHubAPI struct {
	Message    string
	StatusCode int
}

func (g *GitHubAPI) Error() string {
	return fmt.Sprintf("github api error (status %d): %s", g.StatusCode, g.Message)
}

// Network describes a transport-level failure, tagging whether a retry is
// worth attempting.
type Network struct {
	Retryable bool
	Cause     error
}

func (n *Network) Error() string {
	return fmt.Sprintf("network error (retryable=%v): %v", n.Retryable, n.Cause)
}

func (n *Network) Unwrap() error { return n.Cause }

// WrapDB wraps a database error with operation context, translating
// sql.ErrNoRows into ErrNotFound for consistent handling up the stack.
func WrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err is or wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
