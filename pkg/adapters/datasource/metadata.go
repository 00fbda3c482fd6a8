package datasource

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaSnapshot is the catalog of one data source at a point in time.
type SchemaSnapshot struct {
	DataSourceID uuid.UUID         `json:"data_source_id"`
	Dialect      Dialect           `json:"dialect"`
	CapturedAt   time.Time         `json:"captured_at"`
	TTL          time.Duration     `json:"ttl"`
	Catalogs     []CatalogMetadata `json:"catalogs"`
}

// CatalogMetadata is a database (postgres), project (bigquery) or database (snowflake).
type CatalogMetadata struct {
	Name    string           `json:"name"`
	Schemas []SchemaMetadata `json:"schemas"`
}

// SchemaMetadata is a schema or dataset.
type SchemaMetadata struct {
	Name   string          `json:"name"`
	Tables []TableMetadata `json:"tables"`
}

// TableType distinguishes base tables from views.
type TableType string

const (
	TableTypeTable TableType = "table"
	TableTypeView  TableType = "view"
)

// ParseTableType normalizes a catalog's table_type value. Anything naming a
// view, materialized views included, is a view.
func ParseTableType(native string) TableType {
	if strings.Contains(strings.ToUpper(native), "VIEW") {
		return TableTypeView
	}
	return TableTypeTable
}

// TableMetadata represents a discovered table or view.
type TableMetadata struct {
	Name string    `json:"name"`
	Type TableType `json:"type"`
	// RowCount is the catalog's row estimate; nil when the dialect keeps no
	// statistics for the table.
	RowCount *int64          `json:"row_count,omitempty"`
	Columns  []ColumnMetadata `json:"columns"`
}

// ColumnMetadata represents a discovered column.
type ColumnMetadata struct {
	Name            string        `json:"name"`
	NativeType      string        `json:"native_type"`
	CanonicalType   CanonicalType `json:"canonical_type"`
	IsNullable      bool          `json:"is_nullable"`
	OrdinalPosition int           `json:"ordinal_position"`
}

// Expired reports whether the snapshot is older than its TTL at now.
func (s *SchemaSnapshot) Expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.CapturedAt) >= s.TTL
}

// TableCount returns the number of tables across all catalogs.
func (s *SchemaSnapshot) TableCount() int {
	n := 0
	for _, c := range s.Catalogs {
		for _, sc := range c.Schemas {
			n += len(sc.Tables)
		}
	}
	return n
}

// ColumnRef addresses a column inside a snapshot.
type ColumnRef struct {
	Catalog string `json:"catalog"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Column  string `json:"column"`
}

func (r ColumnRef) String() string {
	return r.Catalog + "." + r.Schema + "." + r.Table + "." + r.Column
}

func (r ColumnRef) less(o ColumnRef) bool {
	if r.Catalog != o.Catalog {
		return r.Catalog < o.Catalog
	}
	if r.Schema != o.Schema {
		return r.Schema < o.Schema
	}
	if r.Table != o.Table {
		return r.Table < o.Table
	}
	return r.Column < o.Column
}

// Columns flattens the snapshot into column references.
func (s *SchemaSnapshot) Columns() map[ColumnRef]ColumnMetadata {
	out := make(map[ColumnRef]ColumnMetadata)
	if s == nil {
		return out
	}
	for _, c := range s.Catalogs {
		for _, sc := range c.Schemas {
			for _, t := range sc.Tables {
				for _, col := range t.Columns {
					out[ColumnRef{Catalog: c.Name, Schema: sc.Name, Table: t.Name, Column: col.Name}] = col
				}
			}
		}
	}
	return out
}

// tableInfo is the table-level part of a catalog row.
type tableInfo struct {
	Type     TableType
	RowCount *int64
}

type tableEntry struct {
	info tableInfo
	cols []ColumnMetadata
}

// snapshotBuilder assembles the catalog tree from flat catalog rows.
type snapshotBuilder struct {
	catalogs map[string]map[string]map[string]*tableEntry
}

func newSnapshotBuilder() *snapshotBuilder {
	return &snapshotBuilder{catalogs: make(map[string]map[string]map[string]*tableEntry)}
}

// add records one column. The first row seen for a table sets its info.
func (b *snapshotBuilder) add(catalog, schema, table string, info tableInfo, col ColumnMetadata) {
	schemas, ok := b.catalogs[catalog]
	if !ok {
		schemas = make(map[string]map[string]*tableEntry)
		b.catalogs[catalog] = schemas
	}
	tables, ok := schemas[schema]
	if !ok {
		tables = make(map[string]*tableEntry)
		schemas[schema] = tables
	}
	entry, ok := tables[table]
	if !ok {
		if info.Type == "" {
			info.Type = TableTypeTable
		}
		entry = &tableEntry{info: info}
		tables[table] = entry
	}
	entry.cols = append(entry.cols, col)
}

func (b *snapshotBuilder) build() []CatalogMetadata {
	out := make([]CatalogMetadata, 0, len(b.catalogs))
	for _, catName := range sortedKeys(b.catalogs) {
		schemas := b.catalogs[catName]
		cat := CatalogMetadata{Name: catName}
		for _, schemaName := range sortedKeys(schemas) {
			tables := schemas[schemaName]
			sm := SchemaMetadata{Name: schemaName}
			for _, tableName := range sortedKeys(tables) {
				entry := tables[tableName]
				cols := entry.cols
				sort.SliceStable(cols, func(i, j int) bool {
					return cols[i].OrdinalPosition < cols[j].OrdinalPosition
				})
				sm.Tables = append(sm.Tables, TableMetadata{
					Name:     tableName,
					Type:     entry.info.Type,
					RowCount: entry.info.RowCount,
					Columns:  cols,
				})
			}
			cat.Schemas = append(cat.Schemas, sm)
		}
		out = append(out, cat)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
