package aggregate

import (
	"encoding/json"
	"fmt"
)

// Condition filters entities by their top-level fields.
type Condition struct {
	field string
	value json.RawMessage
}

// All matches every entity.
func All() Condition { return Condition{} }

// Equal matches entities whose field encodes to the same JSON as value.
func Equal(field string, value any) Condition {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Condition{field: field, value: raw}
}

// Field returns the compared field name and JSON value. ok is false for All.
func (c Condition) Field() (field string, value json.RawMessage, ok bool) {
	return c.field, c.value, c.field != ""
}

// Match reports whether e satisfies c.
func (c Condition) Match(e *Entity) bool {
	if c.field == "" {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return false
	}
	got, ok := fields[c.field]
	if !ok {
		return false
	}
	return jsonEqual(got, c.value)
}

func (c Condition) String() string {
	if c.field == "" {
		return "all"
	}
	return fmt.Sprintf("%s == %s", c.field, c.value)
}
