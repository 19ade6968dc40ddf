package errors

import (
	stderrors "errors"
)

// Errors out of the reconciliation machinery fall into a small number
// of categories, distinguished by what it takes to clear them:
//   - transient problems (network, registry, apply conflicts) are worth
//     retrying with backoff;
//   - render problems will recur until a new commit fixes the
//     desired-state source, so retrying without one is pointless;
//   - policy problems mean the application definition itself is
//     malformed, and are surfaced at admission time.
type Type string

const (
	// Transient covers I/O that may well succeed if tried again:
	// unreachable desired-state source, registry timeouts, cluster
	// apply conflicts.
	Transient Type = "transient"
	// Render means the chart or overlay could not be turned into
	// manifests. Only a new commit to the desired-state source clears it.
	Render Type = "render"
	// Policy means an application definition was rejected at admission:
	// bad update strategy, unparseable image selector.
	Policy Type = "policy"
)

type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string
	// the underlying error, for logs
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewTransient(err error, help string) *Error {
	return &Error{Type: Transient, Err: err, Help: help}
}

func NewRender(err error, help string) *Error {
	return &Error{Type: Render, Err: err, Help: help}
}

func NewPolicy(err error, help string) *Error {
	return &Error{Type: Policy, Err: err, Help: help}
}

func typeOf(err error) (Type, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// IsTransient reports whether the error is worth retrying. Errors that
// don't carry a category are treated as transient, since unclassified
// failures are overwhelmingly I/O.
func IsTransient(err error) bool {
	if t, ok := typeOf(err); ok {
		return t == Transient
	}
	return true
}

func IsRender(err error) bool {
	t, ok := typeOf(err)
	return ok && t == Render
}

func IsPolicy(err error) bool {
	t, ok := typeOf(err)
	return ok && t == Policy
}
