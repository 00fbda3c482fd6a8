package datasource

import "sort"

// ColumnChange is one entry of a SchemaDiff. Old fields are empty for added
// columns, New fields are empty for removed columns.
type ColumnChange struct {
	Ref           ColumnRef     `json:"ref"`
	OldType       CanonicalType `json:"old_type,omitempty"`
	NewType       CanonicalType `json:"new_type,omitempty"`
	OldNativeType string        `json:"old_native_type,omitempty"`
	NewNativeType string        `json:"new_native_type,omitempty"`
}

// SchemaDiff lists column-level changes between two snapshots, each slice
// sorted by column path.
type SchemaDiff struct {
	Added   []ColumnChange `json:"added"`
	Removed []ColumnChange `json:"removed"`
	Retyped []ColumnChange `json:"retyped"`
}

// Empty reports whether nothing changed.
func (d SchemaDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Retyped) == 0
}

// DiffSnapshots compares two snapshots. A column is retyped when its path is
// unchanged and its canonical type differs; native-only changes that keep
// the canonical type are not reported. A nil old snapshot reports every
// column of next as added.
func DiffSnapshots(old, next *SchemaSnapshot) SchemaDiff {
	before := old.Columns()
	after := next.Columns()

	var diff SchemaDiff
	for ref, col := range after {
		prev, ok := before[ref]
		switch {
		case !ok:
			diff.Added = append(diff.Added, ColumnChange{
				Ref:           ref,
				NewType:       col.CanonicalType,
				NewNativeType: col.NativeType,
			})
		case prev.CanonicalType != col.CanonicalType:
			diff.Retyped = append(diff.Retyped, ColumnChange{
				Ref:           ref,
				OldType:       prev.CanonicalType,
				NewType:       col.CanonicalType,
				OldNativeType: prev.NativeType,
				NewNativeType: col.NativeType,
			})
		}
	}
	for ref, col := range before {
		if _, ok := after[ref]; !ok {
			diff.Removed = append(diff.Removed, ColumnChange{
				Ref:           ref,
				OldType:       col.CanonicalType,
				OldNativeType: col.NativeType,
			})
		}
	}

	sortChanges(diff.Added)
	sortChanges(diff.Removed)
	sortChanges(diff.Retyped)
	return diff
}

func sortChanges(changes []ColumnChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Ref.less(changes[j].Ref) })
}
