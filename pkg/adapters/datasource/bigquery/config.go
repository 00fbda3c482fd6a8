package bigquery

import (
	"fmt"
	"strings"
)

// Config contains BigQuery connection options. CredentialsJSON is a service
// account key; AccessToken is a short-lived OAuth token. One is required.
type Config struct {
	ProjectID       string
	Location        string
	CredentialsJSON string
	AccessToken     string
	Datasets        []string
}

// DefaultLocation is used for region-qualified catalog queries.
const DefaultLocation = "US"

// FromMap creates a Config from merged params and credentials.
func FromMap(params map[string]any) (*Config, error) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := params[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}

	cfg := &Config{
		ProjectID:       str("project_id", "project"),
		Location:        str("location"),
		CredentialsJSON: str("credentials_json", "service_account_json"),
		AccessToken:     str("access_token"),
		Datasets:        datasetList(params),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if cfg.CredentialsJSON == "" && cfg.AccessToken == "" {
		return nil, fmt.Errorf("credentials_json or access_token is required")
	}
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	return cfg, nil
}

// datasetList reads "datasets", falling back to the shared "schemas" key.
func datasetList(params map[string]any) []string {
	raw, ok := params["datasets"]
	if !ok {
		raw = params["schemas"]
	}

	var out []string
	switch list := raw.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(list, ",")
	}

	var cleaned []string
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
