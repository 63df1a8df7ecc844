package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for stored timestamps so that
// lexical ordering of stored values matches chronological ordering.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

const maxIdentifierLength = 190

var (
	// ErrNotFound indicates that the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrUniqueViolation indicates that a write would duplicate a unique field value.
	ErrUniqueViolation = errors.New("docstore: unique field violation")
	// ErrInvalidDocument indicates that document fields failed validation.
	ErrInvalidDocument = errors.New("docstore: invalid document")
	// ErrInvalidMutation indicates that a field mutation cannot be applied.
	ErrInvalidMutation = errors.New("docstore: invalid mutation")
	// ErrInvalidQuery indicates that a query is malformed.
	ErrInvalidQuery = errors.New("docstore: invalid query")
	// ErrInvalidIdentifier indicates an empty or oversized collection or document identifier.
	ErrInvalidIdentifier = errors.New("docstore: invalid identifier")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("docstore: store closed")
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Fields holds the top-level values of a schemaless document.
type Fields map[string]any

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	cloned := make(Fields, len(f))
	for key, value := range f {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

// Document is a stored document addressed by collection and identifier.
type Document struct {
	Collection string
	ID         string
	Fields     Fields
	CreateTime time.Time
	UpdateTime time.Time
}

// String returns the string value of a field or "" when absent or not a string.
func (d Document) String(field string) string {
	value, _ := d.Fields[field].(string)
	return value
}

// Bool returns the boolean value of a field or false.
func (d Document) Bool(field string) bool {
	value, _ := d.Fields[field].(bool)
	return value
}

// Strings returns the string members of an array field.
func (d Document) Strings(field string) []string {
	raw, ok := d.Fields[field].([]any)
	if !ok {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, item := range raw {
		if text, ok := item.(string); ok {
			values = append(values, text)
		}
	}
	return values
}

// Timestamp parses a stored timestamp field, returning the zero time when absent.
func (d Document) Timestamp(field string) time.Time {
	parsed, err := ParseTimestamp(d.String(field))
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Decode copies a single field into the provided destination via its JSON form.
func (d Document) Decode(field string, destination any) error {
	value, ok := d.Fields[field]
	if !ok || value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, destination)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp. RFC 3339 values are accepted too.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrInvalidDocument)
	}
	if parsed, err := time.Parse(TimestampLayout, value); err == nil {
		return parsed, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func validateIdentifier(kind, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if trimmed != value {
		return fmt.Errorf("%w: %s has surrounding whitespace", ErrInvalidIdentifier, kind)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, maxIdentifierLength)
	}
	return nil
}

func validateFieldName(field string) error {
	if !fieldNamePattern.MatchString(field) {
		return fmt.Errorf("invalid field name %q", field)
	}
	return nil
}

// normalizeFields resolves server timestamps and converts every value into its JSON
// decoded form so stored and in-flight documents compare the same way.
func normalizeFields(fields Fields, now time.Time) (Fields, error) {
	resolved := make(Fields, len(fields))
	for key, value := range fields {
		if err := validateFieldName(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		if _, ok := value.(serverTimestamp); ok {
			resolved[key] = FormatTimestamp(now)
			continue
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidDocument, key, err)
		}
		resolved[key] = normalized
	}
	return resolved, nil
}

func normalizeValue(value any) (any, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func decodeFields(payload string) (Fields, error) {
	fields := Fields{}
	if strings.TrimSpace(payload) == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case []any:
		cloned := make([]any, len(typed))
		for index, item := range typed {
			cloned[index] = cloneValue(item)
		}
		return cloned
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, item := range typed {
			cloned[key] = cloneValue(item)
		}
		return cloned
	default:
		return value
	}
}
