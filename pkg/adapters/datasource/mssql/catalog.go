package mssql

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

const catalogQuery = `
	SELECT
	    DB_NAME() AS table_catalog,
	    SCHEMA_NAME(o.schema_id) AS table_schema,
	    o.name AS table_name,
	    c.name AS column_name,
	    tp.name AS data_type,
	    c.is_nullable,
	    c.column_id AS ordinal_position,
	    CASE o.type WHEN 'V' THEN 'VIEW' ELSE 'BASE TABLE' END AS table_type,
	    (SELECT SUM(p.rows) FROM sys.partitions p
	     WHERE p.object_id = o.object_id AND p.index_id IN (0, 1)) AS row_count
	FROM sys.columns c
	INNER JOIN sys.objects o ON c.object_id = o.object_id
	INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
	WHERE o.type IN ('U', 'V')
	  AND o.is_ms_shipped = 0
	  %s
	ORDER BY table_schema, table_name, ordinal_position`

// CatalogQuery lists user table and view columns. sys.types reports alias
// types by their own name, which map to text.
func (a *Adapter) CatalogQuery(cfg *datasource.DataSourceConfig) string {
	filter := ""
	if schemas := stringList(datasource.ConnectParams(cfg, nil)["schemas"]); len(schemas) > 0 {
		quoted := make([]string, len(schemas))
		for i, s := range schemas {
			quoted[i] = a.QuoteLiteral(s)
		}
		filter = fmt.Sprintf("AND SCHEMA_NAME(o.schema_id) IN (%s)", strings.Join(quoted, ", "))
	}
	return fmt.Sprintf(catalogQuery, filter)
}
