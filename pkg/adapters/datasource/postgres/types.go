package postgres

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// oidNames covers the built-in types result columns report most often.
// Other OIDs are resolved through the connection's type map.
var oidNames = map[uint32]string{
	pgtype.BoolOID:             "BOOL",
	pgtype.ByteaOID:            "BYTEA",
	pgtype.QCharOID:            "CHAR",
	pgtype.Int8OID:             "INT8",
	pgtype.Int2OID:             "INT2",
	pgtype.Int4OID:             "INT4",
	pgtype.TextOID:             "TEXT",
	pgtype.OIDOID:              "OID",
	pgtype.JSONOID:             "JSON",
	pgtype.XMLOID:              "XML",
	pgtype.Float4OID:           "FLOAT4",
	pgtype.Float8OID:           "FLOAT8",
	790:                        "MONEY",
	pgtype.BPCharOID:           "BPCHAR",
	pgtype.VarcharOID:          "VARCHAR",
	pgtype.DateOID:             "DATE",
	pgtype.TimeOID:             "TIME",
	pgtype.TimestampOID:        "TIMESTAMP",
	pgtype.TimestamptzOID:      "TIMESTAMPTZ",
	pgtype.IntervalOID:         "INTERVAL",
	1266:                       "TIMETZ",
	pgtype.NumericOID:          "NUMERIC",
	pgtype.UUIDOID:             "UUID",
	pgtype.JSONBOID:            "JSONB",
	pgtype.BoolArrayOID:        "BOOL[]",
	pgtype.Int2ArrayOID:        "INT2[]",
	pgtype.Int4ArrayOID:        "INT4[]",
	pgtype.Int8ArrayOID:        "INT8[]",
	pgtype.TextArrayOID:        "TEXT[]",
	pgtype.VarcharArrayOID:     "VARCHAR[]",
	pgtype.Float4ArrayOID:      "FLOAT4[]",
	pgtype.Float8ArrayOID:      "FLOAT8[]",
	pgtype.UUIDArrayOID:        "UUID[]",
	pgtype.JSONBArrayOID:       "JSONB[]",
	pgtype.NumericArrayOID:     "NUMERIC[]",
	pgtype.TimestamptzArrayOID: "TIMESTAMPTZ[]",
}

// pgTypeNameFromOID returns the type name for a built-in OID, or "UNKNOWN".
func pgTypeNameFromOID(oid uint32) string {
	if name, ok := oidNames[oid]; ok {
		return name
	}
	return "UNKNOWN"
}

// postgresTypes accepts both format_type() output from the catalog and the
// short names result columns report.
var postgresTypes = datasource.TypeTable{
	Rules: []datasource.TypeRule{
		{Suffix: "[]", Type: datasource.CanonicalArray},
		{Prefix: "_", Type: datasource.CanonicalArray},
	},
	Exact: map[string]datasource.CanonicalType{
		"smallint":                    datasource.CanonicalBigInt,
		"integer":                     datasource.CanonicalBigInt,
		"bigint":                      datasource.CanonicalBigInt,
		"int2":                        datasource.CanonicalBigInt,
		"int4":                        datasource.CanonicalBigInt,
		"int8":                        datasource.CanonicalBigInt,
		"oid":                         datasource.CanonicalBigInt,
		"real":                        datasource.CanonicalFloat,
		"double precision":            datasource.CanonicalFloat,
		"float4":                      datasource.CanonicalFloat,
		"float8":                      datasource.CanonicalFloat,
		"numeric":                     datasource.CanonicalDecimal,
		"decimal":                     datasource.CanonicalDecimal,
		"money":                       datasource.CanonicalDecimal,
		"boolean":                     datasource.CanonicalBoolean,
		"bool":                        datasource.CanonicalBoolean,
		"text":                        datasource.CanonicalText,
		"character varying":           datasource.CanonicalText,
		"varchar":                     datasource.CanonicalText,
		"character":                   datasource.CanonicalText,
		"char":                        datasource.CanonicalText,
		"bpchar":                      datasource.CanonicalText,
		"name":                        datasource.CanonicalText,
		"uuid":                        datasource.CanonicalText,
		"xml":                         datasource.CanonicalText,
		"bytea":                       datasource.CanonicalBytea,
		"date":                        datasource.CanonicalDate,
		"time":                        datasource.CanonicalTime,
		"timetz":                      datasource.CanonicalTime,
		"time without time zone":      datasource.CanonicalTime,
		"time with time zone":         datasource.CanonicalTime,
		"timestamp":                   datasource.CanonicalDatetime,
		"timestamp without time zone": datasource.CanonicalDatetime,
		"timestamptz":                 datasource.CanonicalTimestamp,
		"timestamp with time zone":    datasource.CanonicalTimestamp,
		"interval":                    datasource.CanonicalInterval,
		"json":                        datasource.CanonicalJSON,
		"jsonb":                       datasource.CanonicalJSON,
		"geography":                   datasource.CanonicalGeography,
		"geometry":                    datasource.CanonicalGeography,
	},
}

var redshiftTypes = datasource.TypeTable{
	Exact: map[string]datasource.CanonicalType{
		"smallint":                    datasource.CanonicalBigInt,
		"integer":                     datasource.CanonicalBigInt,
		"bigint":                      datasource.CanonicalBigInt,
		"int2":                        datasource.CanonicalBigInt,
		"int4":                        datasource.CanonicalBigInt,
		"int8":                        datasource.CanonicalBigInt,
		"real":                        datasource.CanonicalFloat,
		"double precision":            datasource.CanonicalFloat,
		"float4":                      datasource.CanonicalFloat,
		"float8":                      datasource.CanonicalFloat,
		"numeric":                     datasource.CanonicalDecimal,
		"decimal":                     datasource.CanonicalDecimal,
		"boolean":                     datasource.CanonicalBoolean,
		"bool":                        datasource.CanonicalBoolean,
		"character varying":           datasource.CanonicalText,
		"varchar":                     datasource.CanonicalText,
		"character":                   datasource.CanonicalText,
		"char":                        datasource.CanonicalText,
		"bpchar":                      datasource.CanonicalText,
		"text":                        datasource.CanonicalText,
		"varbyte":                     datasource.CanonicalBytea,
		"binary varying":              datasource.CanonicalBytea,
		"date":                        datasource.CanonicalDate,
		"time":                        datasource.CanonicalTime,
		"timetz":                      datasource.CanonicalTime,
		"time without time zone":      datasource.CanonicalTime,
		"time with time zone":         datasource.CanonicalTime,
		"timestamp":                   datasource.CanonicalDatetime,
		"timestamp without time zone": datasource.CanonicalDatetime,
		"timestamptz":                 datasource.CanonicalTimestamp,
		"timestamp with time zone":    datasource.CanonicalTimestamp,
		"interval":                    datasource.CanonicalInterval,
		"super":                       datasource.CanonicalJSON,
		"geometry":                    datasource.CanonicalGeography,
		"geography":                   datasource.CanonicalGeography,
	},
}
