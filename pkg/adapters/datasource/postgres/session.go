package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// session wraps one pgx connection. statementTimeout mirrors the server
// setting so it is only sent when it changes.
type session struct {
	conn             *pgx.Conn
	statementTimeout time.Duration
}

func (s *session) Query(ctx context.Context, sql string, args []any, opts datasource.QueryOptions) (datasource.Rows, error) {
	if opts.Timeout != s.statementTimeout {
		if _, err := s.conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("failed to set statement timeout: %w", err)
		}
		s.statementTimeout = opts.Timeout
	}

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	fields := rows.FieldDescriptions()
	columns := make([]datasource.RawColumn, len(fields))
	for i, f := range fields {
		columns[i] = datasource.RawColumn{
			Name:       f.Name,
			NativeType: s.typeName(f.DataTypeOID),
		}
	}
	return &pgRows{rows: rows, columns: columns}, nil
}

func (s *session) typeName(oid uint32) string {
	if name := pgTypeNameFromOID(oid); name != "UNKNOWN" {
		return name
	}
	if t, ok := s.conn.TypeMap().TypeForOID(oid); ok {
		return t.Name
	}
	return "user-defined"
}

func (s *session) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Close(ctx)
}

type pgRows struct {
	rows    pgx.Rows
	columns []datasource.RawColumn
}

func (r *pgRows) Columns() []datasource.RawColumn { return r.columns }
func (r *pgRows) Next() bool                      { return r.rows.Next() }
func (r *pgRows) Err() error                      { return r.rows.Err() }

func (r *pgRows) Close() error {
	r.rows.Close()
	return nil
}

func (r *pgRows) Values() ([]any, error) {
	values, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = convertValue(v)
	}
	return values, nil
}

// convertValue turns pgtype wrappers into plain values.
func convertValue(v any) any {
	switch val := v.(type) {
	case pgtype.Numeric:
		return textValue(val)
	case pgtype.Interval:
		return textValue(val)
	case pgtype.Time:
		return textValue(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case []any:
		for i := range val {
			val[i] = convertValue(val[i])
		}
		return val
	}
	return v
}

func textValue(v driver.Valuer) any {
	out, err := v.Value()
	if err != nil {
		return nil
	}
	return out
}
