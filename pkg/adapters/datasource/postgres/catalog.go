package postgres

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

const postgresCatalogQuery = `
	SELECT
		current_database() AS table_catalog,
		n.nspname AS table_schema,
		c.relname AS table_name,
		a.attname AS column_name,
		format_type(a.atttypid, a.atttypmod) AS data_type,
		NOT a.attnotnull AS is_nullable,
		a.attnum AS ordinal_position,
		CASE WHEN c.relkind IN ('v', 'm') THEN 'VIEW' ELSE 'BASE TABLE' END AS table_type,
		CASE WHEN c.relkind IN ('r', 'p', 'm') AND c.reltuples >= 0 THEN c.reltuples::bigint END AS row_count
	FROM pg_catalog.pg_attribute a
	JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
	JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind IN ('r', 'p', 'v', 'm', 'f')
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
	  AND n.nspname NOT LIKE 'pg_temp_%%'
	  %s
	ORDER BY n.nspname, c.relname, a.attnum`

const redshiftCatalogQuery = `
	SELECT
		c.table_catalog,
		c.table_schema,
		c.table_name,
		c.column_name,
		c.data_type,
		c.is_nullable,
		c.ordinal_position,
		t.table_type,
		NULL::bigint AS row_count
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_internal')
	  %s
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// CatalogQuery lists every user column. A "schemas" param narrows the result.
func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	var schemaColumn, query string
	if a.dialect == datasource.DialectRedshift {
		schemaColumn, query = "c.table_schema", redshiftCatalogQuery
	} else {
		schemaColumn, query = "n.nspname", postgresCatalogQuery
	}

	filter := ""
	if schemas := schemaList(datasource.ConnectParams(cfg, nil)["schemas"]); len(schemas) > 0 {
		quoted := make([]string, len(schemas))
		for i, s := range schemas {
			quoted[i] = a.QuoteLiteral(s)
		}
		filter = fmt.Sprintf("AND %s IN (%s)", schemaColumn, strings.Join(quoted, ", "))
	}
	return fmt.Sprintf(query, filter)
}
