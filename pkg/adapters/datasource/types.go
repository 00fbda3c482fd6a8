package datasource

import (
	"strings"
)

// CanonicalType is the dialect-independent type every native column type maps to.
type CanonicalType string

const (
	CanonicalBigInt    CanonicalType = "bigint"
	CanonicalFloat     CanonicalType = "float"
	CanonicalDecimal   CanonicalType = "decimal"
	CanonicalBoolean   CanonicalType = "boolean"
	CanonicalText      CanonicalType = "text"
	CanonicalBytea     CanonicalType = "bytea"
	CanonicalDate      CanonicalType = "date"
	CanonicalTime      CanonicalType = "time"
	CanonicalDatetime  CanonicalType = "datetime"
	CanonicalTimestamp CanonicalType = "timestamp"
	CanonicalArray     CanonicalType = "array"
	CanonicalJSON      CanonicalType = "json"
	CanonicalGeography CanonicalType = "geography"
	CanonicalInterval  CanonicalType = "interval"
	CanonicalUnknown   CanonicalType = "unknown"
)

// Category is the coarse grouping used by chart rendering and indexing.
type Category string

const (
	CategoryNumber Category = "number"
	CategoryText   Category = "text"
	CategoryDate   Category = "date"
)

// CategoryOf maps every canonical type to its category.
func CategoryOf(t CanonicalType) Category {
	switch t {
	case CanonicalBigInt, CanonicalFloat, CanonicalDecimal:
		return CategoryNumber
	case CanonicalDate, CanonicalTime, CanonicalDatetime, CanonicalTimestamp, CanonicalInterval:
		return CategoryDate
	case CanonicalBoolean, CanonicalText, CanonicalBytea, CanonicalArray,
		CanonicalJSON, CanonicalGeography, CanonicalUnknown:
		return CategoryText
	}
	return CategoryText
}

// TypeRule matches a lowercased native type by prefix and/or suffix.
type TypeRule struct {
	Prefix string
	Suffix string
	Type   CanonicalType
}

func (r TypeRule) matches(native string) bool {
	if r.Prefix == "" && r.Suffix == "" {
		return false
	}
	return strings.HasPrefix(native, r.Prefix) && strings.HasSuffix(native, r.Suffix)
}

// TypeTable is a per-dialect native type mapping. Rules are checked first,
// in order; then the exact name; then the name with parameters removed.
// Anything else maps to text.
type TypeTable struct {
	Rules []TypeRule
	Exact map[string]CanonicalType
}

// Map returns the canonical type for a native type name. It never fails.
func (t TypeTable) Map(native string) CanonicalType {
	n := strings.ToLower(strings.TrimSpace(native))
	if n == "" {
		return CanonicalUnknown
	}
	for _, r := range t.Rules {
		if r.matches(n) {
			return r.Type
		}
	}
	if ct, ok := t.Exact[n]; ok {
		return ct
	}
	if ct, ok := t.Exact[stripTypeParams(n)]; ok {
		return ct
	}
	return CanonicalText
}

// stripTypeParams removes parenthesized parameters and collapses whitespace:
// "timestamp(6) with time zone" becomes "timestamp with time zone".
func stripTypeParams(native string) string {
	var b strings.Builder
	depth := 0
	for _, r := range native {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
