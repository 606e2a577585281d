package eventlog

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceConflict = errors.New("event id already taken")
	ErrEmptyEventType   = errors.New("event type cannot be empty")
)

// PanicError carries a panic recovered inside a lane back to the caller.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in lane: %v", e.Value)
}
