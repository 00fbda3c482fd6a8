package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// AdapterFactory constructs the adapter for one dialect.
type AdapterFactory func() Adapter

// Registry maps dialects to adapters. It is an explicit object handed to the
// executor, connection manager and introspector; nothing registers itself.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Dialect]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Dialect]Adapter)}
}

// Register installs the adapter built by factory under dialect.
func (r *Registry) Register(dialect Dialect, factory AdapterFactory) error {
	if !dialect.Valid() {
		return apperrors.New(apperrors.KindConfig, string(dialect),
			fmt.Sprintf("cannot register unknown dialect %q", dialect))
	}
	if factory == nil {
		return apperrors.New(apperrors.KindConfig, string(dialect), "adapter factory is nil")
	}
	adapter := factory()
	if adapter == nil || adapter.Dialect() != dialect {
		return apperrors.New(apperrors.KindConfig, string(dialect), "adapter factory returned a mismatched adapter")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[dialect]; exists {
		return apperrors.New(apperrors.KindConfig, string(dialect),
			fmt.Sprintf("dialect %q is already registered", dialect))
	}
	r.adapters[dialect] = adapter
	return nil
}

// Resolve returns the adapter for dialect or a NotFound error wrapping
// apperrors.ErrUnsupportedDialect.
func (r *Registry) Resolve(dialect Dialect) (Adapter, error) {
	if a, ok := r.lookup(dialect); ok {
		return a, nil
	}
	return nil, &apperrors.Error{
		Kind:        apperrors.KindNotFound,
		Dialect:     string(dialect),
		UserMessage: fmt.Sprintf("unsupported dialect %q", dialect),
		Err:         apperrors.ErrUnsupportedDialect,
	}
}

func (r *Registry) lookup(dialect Dialect) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[dialect]
	return a, ok
}

// IsRegistered checks if a dialect has an adapter.
func (r *Registry) IsRegistered(dialect Dialect) bool {
	_, ok := r.lookup(dialect)
	return ok
}

// RegisteredAdapters returns info for all registered adapters sorted by dialect.
func (r *Registry) RegisteredAdapters() []AdapterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AdapterInfo, 0, len(r.adapters))
	for _, a := range r.adapters {
		result = append(result, a.Info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Dialect < result[j].Dialect })
	return result
}

// MapNativeType maps a native type through the dialect's table. Unknown
// dialects fall back to text.
func (r *Registry) MapNativeType(dialect Dialect, native string) CanonicalType {
	a, ok := r.lookup(dialect)
	if !ok {
		return CanonicalText
	}
	return a.MapType(native)
}

// Classify turns any error into a classified error. Already classified
// errors pass through unchanged.
func (r *Registry) Classify(dialect Dialect, err error) *apperrors.Error {
	if err == nil {
		return nil
	}
	var classified *apperrors.Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindTimeout, string(dialect), err)
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.KindCancelled, string(dialect), err)
	}

	if a, ok := r.lookup(dialect); ok {
		if c := a.ClassifyError(err); c != nil {
			c.Dialect = string(dialect)
			return c
		}
	}

	if IsConnectionLost(err) {
		return apperrors.Wrap(apperrors.KindConnectionLost, string(dialect), err)
	}
	return apperrors.Wrap(apperrors.KindUnknown, string(dialect), err)
}

// QuoteIdentifier quotes one identifier for dialect.
func (r *Registry) QuoteIdentifier(dialect Dialect, name string) (string, error) {
	a, err := r.Resolve(dialect)
	if err != nil {
		return "", err
	}
	return a.QuoteIdentifier(name), nil
}

// QuoteLiteral quotes a string literal for dialect.
func (r *Registry) QuoteLiteral(dialect Dialect, value string) (string, error) {
	a, err := r.Resolve(dialect)
	if err != nil {
		return "", err
	}
	return a.QuoteLiteral(value), nil
}

// QualifiedName quotes each part and joins them with dots.
func (r *Registry) QualifiedName(dialect Dialect, parts ...string) (string, error) {
	a, err := r.Resolve(dialect)
	if err != nil {
		return "", err
	}
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		quoted = append(quoted, a.QuoteIdentifier(p))
	}
	return strings.Join(quoted, "."), nil
}
