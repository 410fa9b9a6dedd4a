// Package statepath reads and writes dotted paths against the
// JSON-encoded execution state tree.
package statepath

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Empty is the canonical empty state object.
var Empty = []byte("{}")

// Get reads a dotted path from state. The second return value is false
// when the path resolves to nothing; the transform handler treats that
// as an absent value rather than an error.
func Get(state []byte, path string) (gjson.Result, bool) {
	if len(state) == 0 {
		return gjson.Result{}, false
	}
	r := gjson.GetBytes(state, path)
	return r, r.Exists()
}

// Set writes value at a dotted path, returning the updated state. A nil
// or empty input state is treated as an empty object.
func Set(state []byte, path string, value any) ([]byte, error) {
	if len(state) == 0 {
		state = Empty
	}
	return sjson.SetBytes(state, path, value)
}

// SetStep records a step's output under state[stepID], the accumulation
// rule the runner uses after every completed step.
func SetStep(state []byte, stepID string, output []byte) ([]byte, error) {
	if len(state) == 0 {
		state = Empty
	}
	if len(output) == 0 {
		output = Empty
	}
	return sjson.SetRawBytes(state, stepID, output)
}

// Merge overlays patch (a JSON object) onto base, key by key. Used to
// seed the runner's starting state from execution.Input merged with any
// previously accumulated execution.Output.
func Merge(base, patch []byte) ([]byte, error) {
	if len(patch) == 0 {
		if len(base) == 0 {
			return append([]byte(nil), Empty...), nil
		}
		return base, nil
	}
	out := base
	if len(out) == 0 {
		out = Empty
	}
	var err error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, key.String(), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
