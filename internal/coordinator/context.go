package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrContextKeyMissing is returned by Get when the key was never written.
var ErrContextKeyMissing = errors.New("coordinator: context key missing")

// SagaContext is the state shared by the steps of one execution.
//
// Values are held JSON-encoded so that whatever a step writes survives the
// execution record being persisted and reloaded. A SagaContext is never
// mutated in place: With and Merge return new values, and keys are never
// removed.
type SagaContext struct {
	values map[string]json.RawMessage
}

// NewContext builds a context from plain values.
func NewContext(values map[string]any) (SagaContext, error) {
	c := SagaContext{values: make(map[string]json.RawMessage, len(values))}
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return SagaContext{}, fmt.Errorf("coordinator: encode context key %q: %w", k, err)
		}
		c.values[k] = raw
	}
	return c, nil
}

// MustContext is NewContext for values known to be encodable, such as
// literals in saga definitions and tests.
func MustContext(values map[string]any) SagaContext {
	c, err := NewContext(values)
	if err != nil {
		panic(err)
	}
	return c
}

// With returns a copy of c with key set to v.
func (c SagaContext) With(key string, v any) (SagaContext, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return c, fmt.Errorf("coordinator: encode context key %q: %w", key, err)
	}
	next := SagaContext{values: maps.Clone(c.values)}
	if next.values == nil {
		next.values = make(map[string]json.RawMessage, 1)
	}
	next.values[key] = raw
	return next, nil
}

// Merge returns a copy of c with every key of other added or replaced.
func (c SagaContext) Merge(other SagaContext) SagaContext {
	if len(other.values) == 0 {
		return c
	}
	next := SagaContext{values: make(map[string]json.RawMessage, len(c.values)+len(other.values))}
	maps.Copy(next.values, c.values)
	maps.Copy(next.values, other.values)
	return next
}

// Has reports whether key was written.
func (c SagaContext) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Raw returns the encoded value of key.
func (c SagaContext) Raw(key string) (json.RawMessage, bool) {
	raw, ok := c.values[key]
	return raw, ok
}

// Keys returns the written keys in sorted order.
func (c SagaContext) Keys() []string {
	return slices.Sorted(maps.Keys(c.values))
}

func (c SagaContext) Len() int { return len(c.values) }

// Decode unmarshals the value stored under key into dst.
func (c SagaContext) Decode(key string, dst any) error {
	raw, ok := c.values[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrContextKeyMissing, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("coordinator: decode context key %q: %w", key, err)
	}
	return nil
}

// Get reads key from c as a T.
//
//	total, err := coordinator.Get[float64](sc, "total")
func Get[T any](c SagaContext, key string) (T, error) {
	var v T
	err := c.Decode(key, &v)
	return v, err
}

// MarshalJSON encodes the context as a JSON object.
func (c SagaContext) MarshalJSON() ([]byte, error) {
	if c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

// UnmarshalJSON decodes a JSON object produced by MarshalJSON.
func (c *SagaContext) UnmarshalJSON(data []byte) error {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("coordinator: decode context: %w", err)
	}
	c.values = values
	return nil
}

// objectContext turns a JSON object into a context holding its top-level
// keys. Anything other than an object yields an empty context.
func objectContext(payload json.RawMessage) SagaContext {
	if len(payload) == 0 {
		return SagaContext{}
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		return SagaContext{}
	}
	return SagaContext{values: values}
}
