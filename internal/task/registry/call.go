package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Call is what a handler receives for one execution.
type Call struct {
	TaskID   int64
	TaskName string
	Attempt  int
	Due      time.Time
	Args     []json.RawMessage
	Kwargs   map[string]json.RawMessage
}

func (c *Call) NumArgs() int { return len(c.Args) }

// Arg decodes positional argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("%s: argument %d missing (got %d)", c.TaskName, i, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.TaskName, i, err)
	}
	return nil
}

// Kwarg decodes keyword argument name into v. It reports false when the
// argument was not passed.
func (c *Call) Kwarg(name string, v any) (bool, error) {
	raw, ok := c.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("%s: keyword argument %q: %w", c.TaskName, name, err)
	}
	return true, nil
}
