package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MutationKind enumerates supported field-level mutations.
type MutationKind string

const (
	// MutationSet overwrites a field value.
	MutationSet MutationKind = "set"
	// MutationArrayUnion appends values missing from an array field.
	MutationArrayUnion MutationKind = "array_union"
	// MutationArrayRemove removes every occurrence of the values from an array field.
	MutationArrayRemove MutationKind = "array_remove"
	// MutationServerTimestamp sets a field to the store clock at commit time.
	MutationServerTimestamp MutationKind = "server_timestamp"
)

// ServerTimestamp is a placeholder value resolved to the store clock when a document is written.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// Mutation describes a single field update applied atomically with the rest of an update call.
type Mutation struct {
	Field  string
	Kind   MutationKind
	Values []any
}

// Set overwrites field with value.
func Set(field string, value any) Mutation {
	return Mutation{Field: field, Kind: MutationSet, Values: []any{value}}
}

// ArrayUnion adds each value to the array field unless an equal element is already present.
func ArrayUnion(field string, values ...any) Mutation {
	return Mutation{Field: field, Kind: MutationArrayUnion, Values: values}
}

// ArrayRemove removes all elements equal to any of the values from the array field.
func ArrayRemove(field string, values ...any) Mutation {
	return Mutation{Field: field, Kind: MutationArrayRemove, Values: values}
}

// SetServerTimestamp sets field to the commit time.
func SetServerTimestamp(field string) Mutation {
	return Mutation{Field: field, Kind: MutationServerTimestamp}
}

// Inverse returns the compensating mutation for array mutations.
func (m Mutation) Inverse() (Mutation, bool) {
	switch m.Kind {
	case MutationArrayUnion:
		return ArrayRemove(m.Field, m.Values...), true
	case MutationArrayRemove:
		return ArrayUnion(m.Field, m.Values...), true
	default:
		return Mutation{}, false
	}
}

// applyMutations returns a copy of fields with the mutations applied in order.
func applyMutations(fields Fields, mutations []Mutation, now time.Time) (Fields, error) {
	updated := fields.Clone()
	for _, mutation := range mutations {
		if err := validateFieldName(mutation.Field); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		switch mutation.Kind {
		case MutationSet:
			if len(mutation.Values) != 1 {
				return nil, fmt.Errorf("%w: set requires exactly one value", ErrInvalidMutation)
			}
			if _, ok := mutation.Values[0].(serverTimestamp); ok {
				updated[mutation.Field] = FormatTimestamp(now)
				continue
			}
			value, err := normalizeValue(mutation.Values[0])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
			}
			updated[mutation.Field] = value
		case MutationServerTimestamp:
			updated[mutation.Field] = FormatTimestamp(now)
		case MutationArrayUnion:
			current, err := arrayField(updated, mutation.Field)
			if err != nil {
				return nil, err
			}
			for _, raw := range mutation.Values {
				value, err := normalizeValue(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
				}
				if !containsValue(current, value) {
					current = append(current, value)
				}
			}
			updated[mutation.Field] = current
		case MutationArrayRemove:
			if _, present := updated[mutation.Field]; !present {
				continue
			}
			current, err := arrayField(updated, mutation.Field)
			if err != nil {
				return nil, err
			}
			removals := make([]any, 0, len(mutation.Values))
			for _, raw := range mutation.Values {
				value, err := normalizeValue(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
				}
				removals = append(removals, value)
			}
			kept := make([]any, 0, len(current))
			for _, item := range current {
				if !containsValue(removals, item) {
					kept = append(kept, item)
				}
			}
			updated[mutation.Field] = kept
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, mutation.Kind)
		}
	}
	return updated, nil
}

func arrayField(fields Fields, field string) ([]any, error) {
	raw, present := fields[field]
	if !present || raw == nil {
		return []any{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %s is not an array", ErrInvalidMutation, field)
	}
	return append([]any(nil), items...), nil
}

func containsValue(values []any, candidate any) bool {
	for _, value := range values {
		if valuesEqual(value, candidate) {
			return true
		}
	}
	return false
}

// valuesEqual compares normalized values by their canonical JSON encoding; map keys
// are emitted in sorted order so structurally equal objects compare equal.
func valuesEqual(left, right any) bool {
	leftPayload, leftErr := json.Marshal(left)
	rightPayload, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftPayload, rightPayload)
}
