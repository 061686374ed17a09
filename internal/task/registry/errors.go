package registry

import (
	"errors"
	"fmt"
)

// UnknownTaskError is returned when a name has no registered task.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string { return fmt.Sprintf("unknown task %q", e.Name) }

// DuplicateNameError is returned when a name is registered twice.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("task %q is already registered", e.Name)
}

// SerializationError reports a value that cannot be represented as JSON.
// Field is "args[i]", "kwargs.<name>" or "result".
type SerializationError struct {
	Task  string
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("task %q: %s is not serializable: %v", e.Task, e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func IsUnknownTask(err error) bool {
	var e *UnknownTaskError
	return errors.As(err, &e)
}

func IsSerialization(err error) bool {
	var e *SerializationError
	return errors.As(err, &e)
}
