package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// The filter-query wire format is a JSON object mapping field names (or the
// reserved key "$or") to either a literal value or a single-operator object.
// It is parsed once into the closed condition set below; compilation to SQL
// happens in the store. Unsupported or malformed operator objects are parse
// errors, never silent equality fallbacks.

// ErrInvalidFilter indicates a filter-query document that does not conform to
// the supported operator surface.
var ErrInvalidFilter = errors.New("invalid filter query")

// Filter is a parsed filter-query: the conjunction of its conditions.
type Filter struct {
	Conds []Cond
}

// Empty reports whether the filter matches everything.
func (f *Filter) Empty() bool { return f == nil || len(f.Conds) == 0 }

// Cond is one parsed filter condition.
type Cond interface{ cond() }

// Equals matches rows whose field's string form equals Value.
type Equals struct {
	Field string
	Value string
}

// Regex matches rows whose field's string form contains Pattern,
// case-insensitively.
type Regex struct {
	Field   string
	Pattern string
}

// In matches rows whose field's string form is a member of Values.
type In struct {
	Field  string
	Values []string
}

// NotEquals matches rows whose field is absent or differs from Value.
type NotEquals struct {
	Field string
	Value string
}

// Exists matches rows by presence or absence of the field key.
type Exists struct {
	Field   string
	Present bool
}

// Or matches rows satisfying at least one branch. Branches support only
// Equals and Regex conditions.
type Or struct {
	Branches []Filter
}

func (Equals) cond()    {}
func (Regex) cond()     {}
func (In) cond()        {}
func (NotEquals) cond() {}
func (Exists) cond()    {}
func (Or) cond()        {}

// ParseFilter turns a decoded filter-query document into a Filter. Field
// names are sanitized here, so a parsed filter is safe to compile. A nil or
// empty document parses to an empty filter. Top-level keys are processed in
// sorted order so compilation is deterministic.
func ParseFilter(query map[string]any) (*Filter, error) {
	f := &Filter{}
	if len(query) == 0 {
		return f, nil
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := query[key]

		if key == "$or" {
			or, err := parseOr(value)
			if err != nil {
				return nil, err
			}
			// An OR with no usable branches constrains nothing; drop it so
			// the filter compiles the same as if the key were absent.
			if len(or.Branches) > 0 {
				f.Conds = append(f.Conds, or)
			}
			continue
		}

		field, err := SanitizeField(key)
		if err != nil {
			return nil, err
		}

		op, ok := value.(map[string]any)
		if !ok {
			f.Conds = append(f.Conds, Equals{Field: field, Value: Stringify(value)})
			continue
		}

		cond, err := parseOperator(field, op)
		if err != nil {
			return nil, err
		}
		f.Conds = append(f.Conds, cond)
	}

	return f, nil
}

// parseOperator handles a single-operator object like {"$in": [...]}.
func parseOperator(field string, op map[string]any) (Cond, error) {
	if len(op) != 1 {
		return nil, fmt.Errorf("%w: field %q: operator object must hold exactly one operator", ErrInvalidFilter, field)
	}
	for name, arg := range op {
		switch name {
		case "$regex":
			return Regex{Field: field, Pattern: Stringify(arg)}, nil
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: field %q: $in requires an array", ErrInvalidFilter, field)
			}
			values := make([]string, len(list))
			for i, v := range list {
				values[i] = Stringify(v)
			}
			return In{Field: field, Values: values}, nil
		case "$ne":
			return NotEquals{Field: field, Value: Stringify(arg)}, nil
		case "$exists":
			present, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: field %q: $exists requires a boolean", ErrInvalidFilter, field)
			}
			return Exists{Field: field, Present: present}, nil
		default:
			return nil, fmt.Errorf("%w: field %q: unsupported operator %q", ErrInvalidFilter, field, name)
		}
	}
	return nil, fmt.Errorf("%w: field %q", ErrInvalidFilter, field)
}

// parseOr handles the reserved "$or" key: an array of sub-filters, each a
// flat document of literal or $regex conditions.
func parseOr(value any) (Or, error) {
	list, ok := value.([]any)
	if !ok {
		return Or{}, fmt.Errorf("%w: $or requires an array of sub-filters", ErrInvalidFilter)
	}

	or := Or{}
	for _, raw := range list {
		sub, ok := raw.(map[string]any)
		if !ok {
			return Or{}, fmt.Errorf("%w: $or entries must be objects", ErrInvalidFilter)
		}

		keys := make([]string, 0, len(sub))
		for k := range sub {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		branch := Filter{}
		for _, key := range keys {
			field, err := SanitizeField(key)
			if err != nil {
				return Or{}, err
			}
			switch v := sub[key].(type) {
			case map[string]any:
				pattern, ok := v["$regex"]
				if !ok || len(v) != 1 {
					return Or{}, fmt.Errorf("%w: $or branches support only literals and $regex", ErrInvalidFilter)
				}
				branch.Conds = append(branch.Conds, Regex{Field: field, Pattern: Stringify(pattern)})
			default:
				branch.Conds = append(branch.Conds, Equals{Field: field, Value: Stringify(v)})
			}
		}
		if len(branch.Conds) > 0 {
			or.Branches = append(or.Branches, branch)
		}
	}
	return or, nil
}

// Stringify coerces a decoded JSON value to the string form used for all
// filter comparisons. JSON numbers arrive as float64; integral values render
// without a fractional part.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}
