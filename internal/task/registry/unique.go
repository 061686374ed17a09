package registry

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// UniquePolicy defines which arguments identify a task. Two queued rows with
// the same identity collapse: the newer one replaces the older.
//
// The identity always includes the task name. Args are included unless
// IgnoreArgs is set. Kwargs restricts the keyword arguments taken into
// account; empty means all of them.
type UniquePolicy struct {
	Kwargs     []string
	IgnoreArgs bool
}

func (p UniquePolicy) normalized() UniquePolicy {
	if len(p.Kwargs) == 0 {
		return p
	}
	ks := append([]string(nil), p.Kwargs...)
	sort.Strings(ks)
	p.Kwargs = ks
	return p
}

// Key returns the hex xxhash64 of the canonical JSON identity.
func (p UniquePolicy) Key(name string, args []json.RawMessage, kwargs map[string]json.RawMessage) (string, error) {
	type identity struct {
		Task   string         `json:"task"`
		Args   []any          `json:"args,omitempty"`
		Kwargs map[string]any `json:"kwargs,omitempty"`
	}
	id := identity{Task: name}

	if !p.IgnoreArgs {
		id.Args = make([]any, 0, len(args))
		for _, a := range args {
			v, err := canonical(a)
			if err != nil {
				return "", err
			}
			id.Args = append(id.Args, v)
		}
	}

	keep := func(string) bool { return true }
	if len(p.Kwargs) > 0 {
		keep = func(k string) bool {
			i := sort.SearchStrings(p.Kwargs, k)
			return i < len(p.Kwargs) && p.Kwargs[i] == k
		}
	}
	for k, raw := range kwargs {
		if !keep(k) {
			continue
		}
		v, err := canonical(raw)
		if err != nil {
			return "", err
		}
		if id.Kwargs == nil {
			id.Kwargs = make(map[string]any)
		}
		id.Kwargs[k] = v
	}

	b, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16), nil
}

// canonical decodes raw JSON so that re-encoding sorts object keys and drops
// insignificant whitespace. Numbers keep their literal form.
func canonical(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
