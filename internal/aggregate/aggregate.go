// Package aggregate stores versioned domain entities as JSON documents. Every
// mutation yields exactly one ChangeRecord describing it.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("aggregate: entity not found")
	ErrVersionConflict = errors.New("aggregate: entity was modified concurrently")
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entity is a stored aggregate. Data holds its fields as a JSON object.
type Entity struct {
	Type      string          `json:"type"`
	ID        uuid.UUID       `json:"id"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the entity fields into dst.
func (e *Entity) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("aggregate: decode %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Set replaces the entity fields with the encoding of v, which must be a
// JSON object.
func (e *Entity) Set(v any) error {
	raw, err := encodeObject(v)
	if err != nil {
		return fmt.Errorf("aggregate: encode %s %s: %w", e.Type, e.ID, err)
	}
	e.Data = raw
	return nil
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Data = bytes.Clone(e.Data)
	return &c
}

// Decode is the typed form of Entity.Decode.
func Decode[T any](e *Entity) (T, error) {
	var v T
	err := e.Decode(&v)
	return v, err
}

// ChangeRecord describes one mutation. Fields holds the created entity, the
// top-level fields an update changed, or nothing for a delete.
type ChangeRecord struct {
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Version    int             `json:"version"`
	Action     Action          `json:"action"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Repository persists entities with optimistic versioning.
type Repository interface {
	Create(ctx context.Context, typ string, fields any) (*Entity, *ChangeRecord, error)
	Get(ctx context.Context, typ string, id uuid.UUID) (*Entity, error)
	// Save stores e if its Version still matches the stored one, then
	// increments e.Version.
	Save(ctx context.Context, e *Entity) (*ChangeRecord, error)
	Delete(ctx context.Context, typ string, id uuid.UUID) (*ChangeRecord, error)
	Find(ctx context.Context, typ string, cond Condition) iter.Seq2[*Entity, error]
}

// First returns the first entity of typ matching cond.
func First(ctx context.Context, r Repository, typ string, cond Condition) (*Entity, error) {
	for e, err := range r.Find(ctx, typ, cond) {
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s matching %s", ErrNotFound, typ, cond)
}

// NewEntity builds version 1 of an entity from fields.
func NewEntity(typ string, fields any, now time.Time) (*Entity, *ChangeRecord, error) {
	raw, err := encodeObject(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate: encode new %s: %w", typ, err)
	}
	e := &Entity{
		Type:      typ,
		ID:        uuid.New(),
		Version:   1,
		Data:      raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := &ChangeRecord{
		EntityType: typ,
		EntityID:   e.ID,
		Version:    1,
		Action:     ActionCreate,
		Fields:     bytes.Clone(raw),
		CreatedAt:  now,
	}
	return e, rec, nil
}

// UpdateRecord builds the change record for moving prev to next and bumps
// next's version.
func UpdateRecord(prev, next *Entity, now time.Time) (*ChangeRecord, error) {
	diff, err := changedFields(prev.Data, next.Data)
	if err != nil {
		return nil, fmt.Errorf("aggregate: diff %s %s: %w", next.Type, next.ID, err)
	}
	next.Version = prev.Version + 1
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = now
	return &ChangeRecord{
		EntityType: next.Type,
		EntityID:   next.ID,
		Version:    next.Version,
		Action:     ActionUpdate,
		Fields:     diff,
		CreatedAt:  now,
	}, nil
}

// DeleteRecord builds the change record for deleting e.
func DeleteRecord(e *Entity, now time.Time) *ChangeRecord {
	return &ChangeRecord{
		EntityType: e.Type,
		EntityID:   e.ID,
		Version:    e.Version + 1,
		Action:     ActionDelete,
		CreatedAt:  now,
	}
}

func encodeObject(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("fields must encode to a JSON object, got %.20s", raw)
	}
	return raw, nil
}

func changedFields(prev, next json.RawMessage) (json.RawMessage, error) {
	var before, after map[string]json.RawMessage
	if err := json.Unmarshal(prev, &before); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(next, &after); err != nil {
		return nil, err
	}
	diff := make(map[string]json.RawMessage)
	for k, v := range after {
		if old, ok := before[k]; !ok || !jsonEqual(old, v) {
			diff[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			diff[k] = json.RawMessage("null")
		}
	}
	return json.Marshal(diff)
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return bytes.Equal(a, b)
	}
	xa, _ := json.Marshal(x)
	ya, _ := json.Marshal(y)
	return bytes.Equal(xa, ya)
}
