package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

// secretParams may not appear in catalog params. They belong in the
// credential provider.
var secretParams = map[string]bool{
	"password":           true,
	"secret":             true,
	"client_secret":      true,
	"token":              true,
	"access_token":       true,
	"azure_access_token": true,
	"private_key":        true,
	"credentials_json":   true,
	"motherduck_token":   true,
}

type catalogEntry struct {
	datasource.DataSourceConfig `yaml:",inline"`
	SnapshotSchedule            string `yaml:"snapshot_schedule"`
}

type catalogFile struct {
	DataSources []catalogEntry `yaml:"datasources"`
}

// Catalog is the set of data sources defined in a catalog file.
type Catalog struct {
	DataSources []*datasource.DataSourceConfig
	// Schedules holds per data source cron specs keyed by ID.
	Schedules map[uuid.UUID]string
}

// LoadCatalog reads data source definitions from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML. Entries without an id
// get one derived from their name so it is stable across restarts.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	cat := &Catalog{Schedules: make(map[uuid.UUID]string)}
	seen := make(map[string]bool)
	for i := range file.DataSources {
		entry := file.DataSources[i]
		ds := entry.DataSourceConfig

		if ds.Name == "" {
			return nil, fmt.Errorf("datasource %d: name is required", i)
		}
		if seen[ds.Name] {
			return nil, fmt.Errorf("datasource %q is defined twice", ds.Name)
		}
		seen[ds.Name] = true

		dialect, err := datasource.ParseDialect(string(ds.Dialect))
		if err != nil {
			return nil, fmt.Errorf("datasource %q: %w", ds.Name, err)
		}
		ds.Dialect = dialect

		for key := range ds.Params {
			if secretParams[strings.ToLower(key)] {
				return nil, fmt.Errorf("datasource %q: %s must come from the credential provider, not the catalog", ds.Name, key)
			}
		}

		if ds.ID == uuid.Nil {
			ds.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ekaya-datasource:"+ds.Name))
		}
		if entry.SnapshotSchedule != "" {
			cat.Schedules[ds.ID] = entry.SnapshotSchedule
		}
		cat.DataSources = append(cat.DataSources, &ds)
	}
	return cat, nil
}

// Lookup finds a data source by name or ID.
func (c *Catalog) Lookup(nameOrID string) (*datasource.DataSourceConfig, error) {
	for _, ds := range c.DataSources {
		if ds.Name == nameOrID || ds.ID.String() == nameOrID {
			return ds, nil
		}
	}
	return nil, fmt.Errorf("datasource %q not found in catalog", nameOrID)
}
