// Package builtin wires every compiled-in adapter into a registry.
package builtin

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/bigquery"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/duckdb"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/mysql"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/snowflake"
)

// Factory returns the adapter constructor for a dialect.
func Factory(d datasource.Dialect) (datasource.AdapterFactory, error) {
	switch d {
	case datasource.DialectPostgres:
		return func() datasource.Adapter { return postgres.New() }, nil
	case datasource.DialectRedshift:
		return func() datasource.Adapter { return postgres.NewRedshift() }, nil
	case datasource.DialectSQLServer:
		return func() datasource.Adapter { return mssql.New() }, nil
	case datasource.DialectMySQL:
		return func() datasource.Adapter { return mysql.New() }, nil
	case datasource.DialectSnowflake:
		return func() datasource.Adapter { return snowflake.New() }, nil
	case datasource.DialectBigQuery:
		return func() datasource.Adapter { return bigquery.New() }, nil
	case datasource.DialectDuckDB:
		return func() datasource.Adapter { return duckdb.New() }, nil
	}
	return nil, fmt.Errorf("no adapter for dialect %q", d)
}

// NewRegistry returns a registry holding the given dialects, or every
// supported dialect when none are named.
func NewRegistry(dialects ...datasource.Dialect) (*datasource.Registry, error) {
	if len(dialects) == 0 {
		dialects = datasource.AllDialects()
	}
	r := datasource.NewRegistry()
	for _, d := range dialects {
		factory, err := Factory(d)
		if err != nil {
			return nil, err
		}
		if err := r.Register(d, factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}
