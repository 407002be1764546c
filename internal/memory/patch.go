package memory

import (
	"encoding/json"
	"fmt"
)

// AppendKey is the wire spelling of an Append patch inside a JSON document:
// {"pain_points": {"__append__": [...]}}.
const AppendKey = "__append__"

// Patch is a structural update of a JSON document. The concrete variants
// are Merge, Replace and Append.
type Patch interface {
	apply(target any, present bool) (any, error)
}

// Merge updates the listed keys of an object and keeps every other key.
// Applied to something that is not an object it materializes as a fresh
// object.
type Merge map[string]Patch

// Replace sets the value outright.
type Replace struct{ Value any }

// Append concatenates Items onto a sequence. An absent key, or a key whose
// current value is not a sequence, ends up holding just Items.
type Append struct{ Items []any }

// Set is shorthand for Replace{Value: v}.
func Set(v any) Replace { return Replace{Value: v} }

// Add is shorthand for an Append of the given items.
func Add(items ...any) Append { return Append{Items: items} }

// Apply returns doc with p applied. doc must be in decoded JSON form
// (map[string]any, []any, string, float64, bool, nil) and is not modified.
func Apply(doc any, p Patch) (any, error) {
	if p == nil {
		return doc, nil
	}
	return p.apply(doc, true)
}

func (m Merge) apply(target any, _ bool) (any, error) {
	src, isObject := target.(map[string]any)
	out := make(map[string]any, len(src)+len(m))
	if isObject {
		for k, v := range src {
			out[k] = v
		}
	}
	for k, child := range m {
		if child == nil {
			continue
		}
		cur, present := out[k]
		v, err := child.apply(cur, present)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (r Replace) apply(any, bool) (any, error) {
	return toJSONValue(r.Value)
}

func (a Append) apply(target any, present bool) (any, error) {
	items := make([]any, 0, len(a.Items))
	for _, it := range a.Items {
		v, err := toJSONValue(it)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	seq, isSeq := target.([]any)
	if !present || !isSeq {
		return items, nil
	}
	out := make([]any, 0, len(seq)+len(items))
	out = append(out, seq...)
	return append(out, items...), nil
}

// PatchFromDocument converts a decoded JSON document into a patch: objects
// become Merge, an object carrying AppendKey becomes Append, anything else
// becomes Replace.
func PatchFromDocument(doc any) Patch {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Replace{Value: doc}
	}
	if raw, ok := obj[AppendKey]; ok {
		items, _ := raw.([]any)
		return Append{Items: items}
	}
	m := make(Merge, len(obj))
	for k, v := range obj {
		m[k] = PatchFromDocument(v)
	}
	return m
}

// toJSONValue converts v into its decoded JSON form so patches built from
// Go values and patches decoded from the wire behave the same way.
func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("patch value %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toDocument(st *RoomState) (any, error) {
	return toJSONValue(st)
}

func fromDocument(doc any) (*RoomState, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var st RoomState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
