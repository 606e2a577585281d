package router

import "errors"

var (
	ErrDuplicateRoute = errors.New("command already registered")
	ErrNotClient      = errors.New("connection does not carry an identity")
	ErrTooManyErrors  = errors.New("too many protocol violations")
)

// ErrHandlerPanic is returned by HandleFrame after a handler panicked; the
// connection must be closed.
var ErrHandlerPanic = errors.New("command handler panicked")
