// Package schema infers column types from decoded records and checks new
// batches against a recorded schema.
//
// Compatibility is superset-based: new columns are added, absent columns are
// tolerated, nulls fit anywhere. A column whose type changes to something the
// recorded type cannot hold is a conflict.
package schema

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/lakeflow/pkg/fault"
)

// Type is a column's logical type.
type Type string

const (
	TypeNull      Type = "null"
	TypeBool      Type = "bool"
	TypeInt       Type = "int"
	TypeFloat     Type = "float"
	TypeString    Type = "string"
	TypeTimestamp Type = "timestamp"
	TypeObject    Type = "object"
	TypeArray     Type = "array"
)

// Column is one named, typed field.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is an ordered (by name) column set.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Lookup returns the type of name.
func (s *Schema) Lookup(name string) (Type, bool) {
	if s == nil {
		return "", false
	}
	i := sort.Search(len(s.Columns), func(i int) bool { return s.Columns[i].Name >= name })
	if i < len(s.Columns) && s.Columns[i].Name == name {
		return s.Columns[i].Type, true
	}
	return "", false
}

// Names returns column names in order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	return &Schema{Columns: append([]Column(nil), s.Columns...)}
}

func fromMap(m map[string]Type) *Schema {
	s := &Schema{Columns: make([]Column, 0, len(m))}
	for name, t := range m {
		s.Columns = append(s.Columns, Column{Name: name, Type: t})
	}
	sort.Slice(s.Columns, func(i, j int) bool { return s.Columns[i].Name < s.Columns[j].Name })
	return s
}

func (s *Schema) toMap() map[string]Type {
	m := make(map[string]Type, len(s.Columns))
	for _, c := range s.Columns {
		m[c.Name] = c.Type
	}
	return m
}

// Parse reads a hint such as "id:int, amount:float, ts:timestamp".
func Parse(hint string) (*Schema, error) {
	m := map[string]Type{}
	for _, part := range strings.Split(hint, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		t := Type(strings.ToLower(strings.TrimSpace(typ)))
		if !ok || name == "" || !t.valid() {
			return nil, fault.New(fault.KindInvalidConfig, "parse schema hint", part, errInvalidHint)
		}
		m[name] = t
	}
	return fromMap(m), nil
}

var errInvalidHint = errors.New("expected name:type with a known type")

func (t Type) valid() bool {
	switch t {
	case TypeNull, TypeBool, TypeInt, TypeFloat, TypeString, TypeTimestamp, TypeObject, TypeArray:
		return true
	}
	return false
}

// TypeOf maps a decoded value to its logical type. Numbers are expected as
// json.Number so integers and floats stay distinguishable.
func TypeOf(v any) Type {
	switch x := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBool
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return TypeFloat
		}
		return TypeInt
	case int, int32, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case string:
		if _, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return TypeTimestamp
		}
		return TypeString
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}
	return TypeString
}

// widen merges two observations of one column inside a single batch.
func widen(a, b Type) Type {
	switch {
	case a == b:
		return a
	case a == TypeNull:
		return b
	case b == TypeNull:
		return a
	case (a == TypeInt && b == TypeFloat) || (a == TypeFloat && b == TypeInt):
		return TypeFloat
	}
	// Mixed scalars inside one batch collapse to string.
	return TypeString
}

// Infer builds a schema from records.
func Infer(records []map[string]any) *Schema {
	m := map[string]Type{}
	for _, r := range records {
		for k, v := range r {
			t := TypeOf(v)
			if prev, ok := m[k]; ok {
				m[k] = widen(prev, t)
			} else {
				m[k] = t
			}
		}
	}
	return fromMap(m)
}

// Compatible reports whether values of type observed may be stored in a
// column recorded as recorded.
func Compatible(recorded, observed Type) bool {
	switch {
	case recorded == observed:
		return true
	case observed == TypeNull, recorded == TypeNull:
		return true
	case recorded == TypeFloat && observed == TypeInt:
		return true
	case recorded == TypeString && observed == TypeTimestamp:
		return true
	}
	return false
}

// Check validates observed against recorded. On success it returns the merged
// schema: recorded columns plus any new ones, with null-only columns upgraded
// to their first concrete type. On failure it returns the conflicting columns.
func Check(recorded, observed *Schema) (*Schema, []fault.Conflict) {
	if recorded == nil {
		return observed.Clone(), nil
	}
	merged := recorded.toMap()
	var conflicts []fault.Conflict
	for _, c := range observed.Columns {
		prev, ok := merged[c.Name]
		if !ok {
			merged[c.Name] = c.Type
			continue
		}
		if !Compatible(prev, c.Type) {
			conflicts = append(conflicts, fault.Conflict{Column: c.Name, Recorded: string(prev), Observed: string(c.Type)})
			continue
		}
		if prev == TypeNull {
			merged[c.Name] = c.Type
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}
	return fromMap(merged), nil
}

// Equal reports whether two schemas have the same columns and types.
func Equal(a, b *Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}
