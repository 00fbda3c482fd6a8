package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeTable_Map(t *testing.T) {
	table := TypeTable{
		Rules: []TypeRule{
			{Suffix: "[]", Type: CanonicalArray},
			{Prefix: "_", Type: CanonicalArray},
			{Prefix: "timestamp", Suffix: "with time zone", Type: CanonicalTimestamp},
		},
		Exact: map[string]CanonicalType{
			"integer":    CanonicalBigInt,
			"numeric":    CanonicalDecimal,
			"timestamp":  CanonicalDatetime,
			"tinyint":    CanonicalBigInt,
			"tinyint(1)": CanonicalBoolean,
		},
	}

	tests := []struct {
		native string
		want   CanonicalType
	}{
		{"integer", CanonicalBigInt},
		{"  INTEGER ", CanonicalBigInt},
		{"numeric(10,2)", CanonicalDecimal},
		{"integer[]", CanonicalArray},
		{"_int4", CanonicalArray},
		{"timestamp(6) with time zone", CanonicalTimestamp},
		{"timestamp(3)", CanonicalDatetime},
		{"tinyint(1)", CanonicalBoolean},
		{"tinyint(4)", CanonicalBigInt},
		{"some_custom_enum", CanonicalText},
		{"", CanonicalUnknown},
		{"   ", CanonicalUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Map(tt.native))
		})
	}
}

func TestStripTypeParams(t *testing.T) {
	assert.Equal(t, "timestamp with time zone", stripTypeParams("timestamp(6)  with time zone"))
	assert.Equal(t, "varchar", stripTypeParams("varchar(255)"))
	assert.Equal(t, "decimal", stripTypeParams("decimal(38, 9)"))
	assert.Equal(t, "array<struct>", stripTypeParams("array<struct(a int)>"))
}

func TestCategoryOf(t *testing.T) {
	all := []CanonicalType{
		CanonicalBigInt, CanonicalFloat, CanonicalDecimal, CanonicalBoolean, CanonicalText,
		CanonicalBytea, CanonicalDate, CanonicalTime, CanonicalDatetime, CanonicalTimestamp,
		CanonicalArray, CanonicalJSON, CanonicalGeography, CanonicalInterval, CanonicalUnknown,
	}
	for _, ct := range all {
		assert.Contains(t, []Category{CategoryNumber, CategoryText, CategoryDate}, CategoryOf(ct), ct)
	}

	assert.Equal(t, CategoryNumber, CategoryOf(CanonicalDecimal))
	assert.Equal(t, CategoryDate, CategoryOf(CanonicalTimestamp))
	assert.Equal(t, CategoryDate, CategoryOf(CanonicalInterval))
	assert.Equal(t, CategoryText, CategoryOf(CanonicalBoolean))
	assert.Equal(t, CategoryText, CategoryOf(CanonicalType("made-up")))
}

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{
		"postgres":   DialectPostgres,
		"PostgreSQL": DialectPostgres,
		" pg ":       DialectPostgres,
		"mssql":      DialectSQLServer,
		"sqlserver":  DialectSQLServer,
		"bq":         DialectBigQuery,
		"mariadb":    DialectMySQL,
		"duckdb":     DialectDuckDB,
		"snowflake":  DialectSnowflake,
		"redshift":   DialectRedshift,
	}
	for in, want := range tests {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestAllDialectsValid(t *testing.T) {
	assert.Len(t, AllDialects(), 7)
	for _, d := range AllDialects() {
		assert.True(t, d.Valid(), d)
	}
	assert.False(t, Dialect("oracle").Valid())
}
