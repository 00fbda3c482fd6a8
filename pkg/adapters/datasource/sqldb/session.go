// Package sqldb adapts database/sql drivers to datasource sessions. Each
// session owns a single physical connection.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// TimeoutFunc applies a server-side statement timeout to conn. A zero timeout
// clears it.
type TimeoutFunc func(ctx context.Context, conn *sql.Conn, timeout time.Duration) error

// ValueFunc converts a scanned value for the given column.
type ValueFunc func(col datasource.RawColumn, v any) any

// Options customize a session per dialect.
type Options struct {
	SetTimeout TimeoutFunc
	Convert    ValueFunc
}

// Session wraps one *sql.Conn taken from a single-connection *sql.DB.
type Session struct {
	db      *sql.DB
	conn    *sql.Conn
	opts    Options
	timeout time.Duration
}

var _ datasource.Session = (*Session)(nil)

// Open opens driverName with dsn and pins one connection.
func Open(ctx context.Context, driverName, dsn string, opts Options) (*Session, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return NewSession(ctx, db, opts)
}

// OpenConnector is Open for drivers configured through a driver.Connector.
func OpenConnector(ctx context.Context, connector driver.Connector, opts Options) (*Session, error) {
	return NewSession(ctx, sql.OpenDB(connector), opts)
}

// NewSession takes ownership of db, limits it to one connection and checks
// that the connection is usable.
func NewSession(ctx context.Context, db *sql.DB, opts Options) (*Session, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &Session{db: db, conn: conn, opts: opts}, nil
}

func (s *Session) Query(ctx context.Context, query string, args []any, opts datasource.QueryOptions) (datasource.Rows, error) {
	if s.opts.SetTimeout != nil && opts.Timeout != s.timeout {
		if err := s.opts.SetTimeout(ctx, s.conn, opts.Timeout); err != nil {
			return nil, fmt.Errorf("failed to set statement timeout: %w", err)
		}
		s.timeout = opts.Timeout
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}
	columns := make([]datasource.RawColumn, len(types))
	for i, ct := range types {
		columns[i] = datasource.RawColumn{Name: ct.Name(), NativeType: ct.DatabaseTypeName()}
	}

	return &Rows{rows: rows, columns: columns, convert: s.opts.Convert}, nil
}

func (s *Session) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close releases the connection and the pool that owns it.
func (s *Session) Close() error {
	connErr := s.conn.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return connErr
}

// Rows scans every column into an interface value.
type Rows struct {
	rows    *sql.Rows
	columns []datasource.RawColumn
	convert ValueFunc
}

func (r *Rows) Columns() []datasource.RawColumn { return r.columns }
func (r *Rows) Next() bool                      { return r.rows.Next() }
func (r *Rows) Err() error                      { return r.rows.Err() }
func (r *Rows) Close() error                    { return r.rows.Close() }

func (r *Rows) Values() ([]any, error) {
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	if r.convert != nil {
		for i, v := range values {
			if v != nil {
				values[i] = r.convert(r.columns[i], v)
			}
		}
	}
	return values, nil
}
