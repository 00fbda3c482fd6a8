package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

func TestRegistry_Register(t *testing.T) {
	adapter := newFakeAdapter()
	r := NewRegistry()

	require.NoError(t, r.Register(DialectPostgres, func() Adapter { return adapter }))
	assert.True(t, r.IsRegistered(DialectPostgres))
	assert.False(t, r.IsRegistered(DialectMySQL))

	err := r.Register(DialectPostgres, func() Adapter { return adapter })
	assert.True(t, apperrors.Is(err, apperrors.KindConfig), "duplicate registration")

	err = r.Register(Dialect("oracle"), func() Adapter { return adapter })
	assert.True(t, apperrors.Is(err, apperrors.KindConfig), "unknown dialect")

	err = r.Register(DialectMySQL, func() Adapter { return adapter })
	assert.True(t, apperrors.Is(err, apperrors.KindConfig), "factory returning another dialect")

	err = r.Register(DialectMySQL, nil)
	assert.True(t, apperrors.Is(err, apperrors.KindConfig), "nil factory")
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DialectPostgres, func() Adapter { return newFakeAdapter() }))

	a, err := r.Resolve(DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, a.Dialect())

	_, err = r.Resolve(DialectSnowflake)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDialect)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	infos := r.RegisteredAdapters()
	require.Len(t, infos, 1)
	assert.Equal(t, "Fake", infos[0].DisplayName)
}

func TestRegistry_MapNativeType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DialectPostgres, func() Adapter { return newFakeAdapter() }))

	assert.Equal(t, CanonicalBigInt, r.MapNativeType(DialectPostgres, "INT8"))
	assert.Equal(t, CanonicalText, r.MapNativeType(DialectPostgres, "citext"))
	assert.Equal(t, CanonicalText, r.MapNativeType(DialectBigQuery, "INT64"), "unregistered dialect falls back to text")
}

func TestRegistry_Classify(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DialectPostgres, func() Adapter { return newFakeAdapter() }))

	already := apperrors.New(apperrors.KindRateLimited, "snowflake", "slow down")

	tests := []struct {
		name string
		err  error
		want apperrors.Kind
	}{
		{"already classified", fmt.Errorf("wrapped: %w", already), apperrors.KindRateLimited},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), apperrors.KindTimeout},
		{"cancelled", context.Canceled, apperrors.KindCancelled},
		{"adapter auth", errFakeAuth, apperrors.KindAuth},
		{"adapter syntax", fmt.Errorf("exec: %w", errFakeSyntax), apperrors.KindSyntax},
		{"connection lost", io.EOF, apperrors.KindConnectionLost},
		{"unrecognized", errors.New("something odd"), apperrors.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Classify(DialectPostgres, tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
		})
	}

	assert.Nil(t, r.Classify(DialectPostgres, nil))
	assert.Equal(t, "postgres", r.Classify(DialectPostgres, errFakeAuth).Dialect)
	assert.Same(t, already, r.Classify(DialectPostgres, already))
}

func TestRegistry_Quoting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(DialectPostgres, func() Adapter { return newFakeAdapter() }))

	q, err := r.QuoteIdentifier(DialectPostgres, `we"ird`)
	require.NoError(t, err)
	assert.Equal(t, `"we""ird"`, q)

	lit, err := r.QuoteLiteral(DialectPostgres, "O'Brien")
	require.NoError(t, err)
	assert.Equal(t, "'O''Brien'", lit)

	name, err := r.QualifiedName(DialectPostgres, "analytics", "", "orders")
	require.NoError(t, err)
	assert.Equal(t, `"analytics"."orders"`, name)

	_, err = r.QuoteIdentifier(DialectDuckDB, "x")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDialect)
}
