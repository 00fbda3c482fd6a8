package datasource

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

type typeMapper interface {
	MapType(native string) CanonicalType
}

// ctxCheckInterval is how many rows are read between cancellation checks.
const ctxCheckInterval = 256

// normalizeResult reads at most limit rows, mapping each column's native type
// once. Reading a row beyond the limit sets Truncated.
func normalizeResult(ctx context.Context, mapper typeMapper, rows Rows, limit int) (*QueryResult, error) {
	raw := rows.Columns()
	columns := make([]ColumnDescriptor, len(raw))
	for i, c := range raw {
		columns[i] = ColumnDescriptor{
			Name:          c.Name,
			NativeType:    c.NativeType,
			CanonicalType: mapper.MapType(c.NativeType),
		}
	}

	out := make([][]any, 0, min(limit, 1024))
	truncated := false
	for rows.Next() {
		if limit > 0 && len(out) == limit {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		for i := range values {
			if i < len(columns) {
				values[i] = normalizeValue(columns[i].CanonicalType, values[i])
			}
		}
		out = append(out, values)

		if len(out)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &QueryResult{
		Columns:   columns,
		Rows:      out,
		Truncated: truncated,
	}, nil
}

// normalizeValue converts driver representations that do not serialize
// cleanly into plain Go values.
func normalizeValue(t CanonicalType, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if t == CanonicalBytea {
			return val
		}
		return string(val)
	case *big.Rat:
		return ratString(val)
	case *big.Int:
		return val.String()
	case time.Time:
		if t == CanonicalDate {
			return val.Format(time.DateOnly)
		}
		return val
	}
	return v
}

// ratString renders r without rounding: as a decimal when its expansion
// terminates, otherwise as a fraction.
func ratString(r *big.Rat) string {
	if n, exact := r.FloatPrec(); exact {
		return r.FloatString(n)
	}
	return r.RatString()
}
