package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-datasource/pkg/crypto"
)

// EnvCredentialProvider reads credentials from environment variables named
// <PREFIX>_<KEY>, for example SALES_PG_PASSWORD. The prefix is the data
// source's credential_ref, or its name upper-cased with non-alphanumerics
// replaced by underscores. Values starting with "enc:" are opened with the
// sealer.
type EnvCredentialProvider struct {
	environ func() []string
	sealer  *crypto.Sealer
}

// NewEnvCredentialProvider returns a provider over the process environment.
// sealer may be nil when no sealed values are used.
func NewEnvCredentialProvider(sealer *crypto.Sealer) *EnvCredentialProvider {
	return &EnvCredentialProvider{environ: os.Environ, sealer: sealer}
}

var _ datasource.CredentialProvider = (*EnvCredentialProvider)(nil)

// EnvPrefix returns the variable prefix used for cfg.
func EnvPrefix(cfg *datasource.DataSourceConfig) string {
	ref := cfg.CredentialRef
	if ref == "" {
		ref = cfg.Name
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, ref) + "_"
}

func (p *EnvCredentialProvider) Resolve(ctx context.Context, cfg *datasource.DataSourceConfig) (*datasource.Credentials, error) {
	prefix := EnvPrefix(cfg)
	values := make(map[string]string)
	for _, kv := range p.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || value == "" {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		if key == "" {
			continue
		}
		if crypto.IsSealed(value) {
			if p.sealer == nil {
				return nil, fmt.Errorf("%s%s is sealed but no credentials key is configured", prefix, strings.ToUpper(key))
			}
			opened, err := p.sealer.Open(value)
			if err != nil {
				return nil, fmt.Errorf("%s%s: %w", prefix, strings.ToUpper(key), err)
			}
			value = opened
		}
		values[key] = value
	}
	return &datasource.Credentials{Values: values}, nil
}

// Refresh re-reads the environment, picking up rotated values.
func (p *EnvCredentialProvider) Refresh(ctx context.Context, cfg *datasource.DataSourceConfig) (*datasource.Credentials, error) {
	return p.Resolve(ctx, cfg)
}
