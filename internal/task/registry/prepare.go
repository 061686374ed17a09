package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"toosimpleq/internal/storage"
)

// Prepare encodes Go values into a row ready for storage.InsertTask.
func (t *Task) Prepare(args []any, kwargs map[string]any, due time.Time) (storage.NewTask, error) {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return storage.NewTask{}, &SerializationError{Task: t.Name, Field: fmt.Sprintf("args[%d]", i), Err: err}
		}
		rawArgs = append(rawArgs, b)
	}
	var rawKw map[string]json.RawMessage
	if len(kwargs) > 0 {
		rawKw = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			b, err := json.Marshal(v)
			if err != nil {
				return storage.NewTask{}, &SerializationError{Task: t.Name, Field: "kwargs." + k, Err: err}
			}
			rawKw[k] = b
		}
	}
	return t.PrepareRaw(rawArgs, rawKw, due)
}

// PrepareRaw is Prepare for arguments that are already JSON.
func (t *Task) PrepareRaw(args []json.RawMessage, kwargs map[string]json.RawMessage, due time.Time) (storage.NewTask, error) {
	for i, a := range args {
		if !json.Valid(a) {
			return storage.NewTask{}, &SerializationError{Task: t.Name, Field: fmt.Sprintf("args[%d]", i), Err: errors.New("invalid JSON")}
		}
	}
	for k, v := range kwargs {
		if !json.Valid(v) {
			return storage.NewTask{}, &SerializationError{Task: t.Name, Field: "kwargs." + k, Err: errors.New("invalid JSON")}
		}
	}

	nt := storage.NewTask{
		TaskName: t.Name,
		Queue:    t.Opt.Queue,
		Priority: t.Opt.Priority,
		Args:     args,
		Kwargs:   kwargs,
		Due:      due,
	}
	if t.Opt.Unique != nil {
		key, err := t.Opt.Unique.Key(t.Name, args, kwargs)
		if err != nil {
			return storage.NewTask{}, &SerializationError{Task: t.Name, Field: "unique key", Err: err}
		}
		nt.UniqueKey = key
	}
	return nt, nil
}
