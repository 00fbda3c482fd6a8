package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

type session struct {
	client *bigquery.Client
}

func (s *session) Query(ctx context.Context, sql string, args []any, opts datasource.QueryOptions) (datasource.Rows, error) {
	q := s.client.Query(sql)
	if opts.Timeout > 0 {
		q.JobTimeout = opts.Timeout
	}
	for _, arg := range args {
		q.Parameters = append(q.Parameters, bigquery.QueryParameter{Value: arg})
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, err
	}

	// The schema is only known once the first page arrives.
	r := &rows{it: it}
	r.fetch()
	if r.err != nil {
		return nil, r.err
	}
	r.columns = columnsOf(it.Schema)
	return r, nil
}

func (s *session) Ping(ctx context.Context) error {
	it, err := s.client.Query("SELECT 1").Read(ctx)
	if err != nil {
		return err
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *session) Close() error {
	return s.client.Close()
}

func columnsOf(schema bigquery.Schema) []datasource.RawColumn {
	columns := make([]datasource.RawColumn, len(schema))
	for i, f := range schema {
		columns[i] = datasource.RawColumn{Name: f.Name, NativeType: nativeTypeName(f)}
	}
	return columns
}

// nativeTypeName renders a field the way INFORMATION_SCHEMA does.
func nativeTypeName(f *bigquery.FieldSchema) string {
	name := string(f.Type)
	if f.Type == bigquery.RecordFieldType {
		name = "STRUCT"
	}
	if f.Repeated {
		return "ARRAY<" + name + ">"
	}
	return name
}

// rows holds one prefetched row so Columns is valid before Next.
type rows struct {
	it      *bigquery.RowIterator
	columns []datasource.RawColumn
	next    []bigquery.Value
	current []bigquery.Value
	done    bool
	err     error
}

func (r *rows) fetch() {
	var row []bigquery.Value
	err := r.it.Next(&row)
	switch {
	case errors.Is(err, iterator.Done):
		r.done = true
	case err != nil:
		r.err = err
		r.done = true
	default:
		r.next = row
	}
}

func (r *rows) Columns() []datasource.RawColumn { return r.columns }

func (r *rows) Next() bool {
	if r.done {
		return false
	}
	r.current = r.next
	r.fetch()
	return true
}

func (r *rows) Values() ([]any, error) {
	if r.current == nil {
		return nil, fmt.Errorf("no current row")
	}
	values := make([]any, len(r.current))
	for i, v := range r.current {
		values[i] = convertValue(v)
	}
	return values, nil
}

func (r *rows) Err() error   { return r.err }
func (r *rows) Close() error { return nil }

// convertValue flattens civil dates and times, repeated fields and records
// into plain values.
func convertValue(v bigquery.Value) any {
	switch val := v.(type) {
	case nil, *big.Rat, time.Time, []byte:
		return val
	case []bigquery.Value:
		out := make([]any, len(val))
		for i := range val {
			out[i] = convertValue(val[i])
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = convertValue(inner)
		}
		return out
	case fmt.Stringer:
		return val.String()
	}
	return v
}
