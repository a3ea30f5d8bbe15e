package ntjsonstore

import (
	"encoding/json"
	"os"
	"strings"

	"ntjsonstore/internal/ntjsonerr"
)

// configFile is the recognized shape of a collection's JSON config file;
// unrecognized keys are ignored.
type configFile struct {
	Indexes []struct {
		Keys   string `json:"keys"`
		Unique bool   `json:"unique"`
	} `json:"indexes"`
	QueryableFields []string          `json:"queryableFields"`
	DefaultJSON     Document          `json:"defaultJson"`
	Aliases         map[string]string `json:"aliases"`
}

// ApplyConfigFile decodes the JSON object at path and merges its
// recognized keys ("indexes", "queryableFields", "defaultJson",
// "aliases") into the collection's pending schema.
func (c *Collection) ApplyConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ntjsonerr.InvalidSqlArgument("reading config file %q: %v", path, err)
	}
	return c.ApplyConfigJSON(data)
}

// ApplyConfigJSON merges an in-memory config document of the same shape
// ApplyConfigFile reads from disk.
func (c *Collection) ApplyConfigJSON(data []byte) error {
	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ntjsonerr.InvalidSqlArgument("parsing config: %v", err)
	}

	mgr := c.schemaManager()
	for _, ix := range cfg.Indexes {
		if ix.Unique {
			mgr.AddUniqueIndex(ix.Keys)
		} else {
			mgr.AddIndex(ix.Keys)
		}
	}
	if len(cfg.QueryableFields) > 0 {
		mgr.AddQueryableFields(strings.Join(cfg.QueryableFields, ","))
	}
	if cfg.DefaultJSON != nil {
		mgr.SetDefaultJSON(cfg.DefaultJSON)
	}
	if cfg.Aliases != nil {
		mgr.SetAliases(cfg.Aliases)
	}
	return nil
}
