package docstore

import (
	"fmt"
	"sort"
	"strings"
)

// Operator enumerates filter comparison operators.
type Operator string

const (
	OpEqual          Operator = "=="
	OpLessThan       Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreaterThan    Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpArrayContains  Operator = "array-contains"
	OpPrefix         Operator = "prefix"
)

// Filter restricts a query to documents whose field satisfies the operator.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Where builds a Filter.
func Where(field string, op Operator, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Order sorts query results by a field.
type Order struct {
	Field      string
	Descending bool
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

func (q Query) validate() error {
	if err := validateIdentifier("collection", q.Collection); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	for _, filter := range q.Filters {
		if err := validateFieldName(filter.Field); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		switch filter.Op {
		case OpEqual, OpLessThan, OpLessOrEqual, OpGreaterThan, OpGreaterOrEqual, OpArrayContains, OpPrefix:
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, filter.Op)
		}
	}
	for _, order := range q.OrderBy {
		if err := validateFieldName(order.Field); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// equalityPushdown returns the string equality filters a backend may evaluate natively.
// Results are always re-checked in memory, so backends may ignore them.
func (q Query) equalityPushdown() []Filter {
	pushdown := make([]Filter, 0, len(q.Filters))
	for _, filter := range q.Filters {
		if filter.Op != OpEqual {
			continue
		}
		if _, ok := filter.Value.(string); ok {
			pushdown = append(pushdown, filter)
		}
	}
	return pushdown
}

// apply filters, orders and limits candidate documents.
func (q Query) apply(candidates []Document) ([]Document, error) {
	normalizedFilters := make([]Filter, 0, len(q.Filters))
	for _, filter := range q.Filters {
		value, err := normalizeValue(filter.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		normalizedFilters = append(normalizedFilters, Filter{Field: filter.Field, Op: filter.Op, Value: value})
	}

	matched := make([]Document, 0, len(candidates))
	for _, document := range candidates {
		if matchesAll(document, normalizedFilters) {
			matched = append(matched, document)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		for _, order := range q.OrderBy {
			comparison := compareValues(matched[i].Fields[order.Field], matched[j].Fields[order.Field])
			if comparison == 0 {
				continue
			}
			if order.Descending {
				return comparison > 0
			}
			return comparison < 0
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matchesAll(document Document, filters []Filter) bool {
	for _, filter := range filters {
		if !matches(document.Fields[filter.Field], filter) {
			return false
		}
	}
	return true
}

func matches(value any, filter Filter) bool {
	switch filter.Op {
	case OpEqual:
		return valuesEqual(value, filter.Value)
	case OpArrayContains:
		items, ok := value.([]any)
		return ok && containsValue(items, filter.Value)
	case OpPrefix:
		text, ok := value.(string)
		prefix, prefixOK := filter.Value.(string)
		return ok && prefixOK && strings.HasPrefix(text, prefix)
	}

	if !orderable(value, filter.Value) {
		return false
	}
	comparison := compareValues(value, filter.Value)
	switch filter.Op {
	case OpLessThan:
		return comparison < 0
	case OpLessOrEqual:
		return comparison <= 0
	case OpGreaterThan:
		return comparison > 0
	case OpGreaterOrEqual:
		return comparison >= 0
	}
	return false
}

func orderable(left, right any) bool {
	switch left.(type) {
	case string:
		_, ok := right.(string)
		return ok
	case float64:
		_, ok := right.(float64)
		return ok
	case bool:
		_, ok := right.(bool)
		return ok
	}
	return false
}

// compareValues orders values by type rank (missing, bool, number, string) then by value.
func compareValues(left, right any) int {
	leftRank, rightRank := typeRank(left), typeRank(right)
	if leftRank != rightRank {
		if leftRank < rightRank {
			return -1
		}
		return 1
	}
	switch typedLeft := left.(type) {
	case bool:
		typedRight := right.(bool)
		switch {
		case typedLeft == typedRight:
			return 0
		case !typedLeft:
			return -1
		default:
			return 1
		}
	case float64:
		typedRight := right.(float64)
		switch {
		case typedLeft < typedRight:
			return -1
		case typedLeft > typedRight:
			return 1
		default:
			return 0
		}
	case string:
		typedRight := right.(string)
		switch {
		case typedLeft < typedRight:
			return -1
		case typedLeft > typedRight:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func typeRank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
