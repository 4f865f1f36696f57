package catalog

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Default configuration values, mirroring the teacher's
// services/meta/config.go Default* constant pattern.
const (
	DefaultMManagerCacheSize       = 1000
	DefaultTagAttributeTotalSize   = 700
	DefaultAutoCreateSchemaEnabled = true
	DefaultStorageGroupLevel       = 1
	DefaultEnableParameterAdapter  = false
)

// Config is the catalog's runtime configuration.
type Config struct {
	SchemaDir string `toml:"schema-dir"`

	MManagerCacheSize int `toml:"mmanager-cache-size"`

	TagAttributeTotalSize int `toml:"tag-attribute-total-size"`

	AutoCreateSchemaEnabled bool `toml:"auto-create-schema-enabled"`

	DefaultStorageGroupLevel int `toml:"default-storage-group-level"`

	EnableParameterAdapter bool `toml:"enable-parameter-adapter"`

	// ProtectedPrefixes lists path prefixes that a bulk delete_timeseries
	// must never remove, generalizing the teacher's hardcoded
	// monitor-series exclusion into a configurable list.
	ProtectedPrefixes []string `toml:"protected-prefixes"`
}

// NewConfig builds a new configuration with default values.
func NewConfig() *Config {
	return &Config{
		MManagerCacheSize:        DefaultMManagerCacheSize,
		TagAttributeTotalSize:    DefaultTagAttributeTotalSize,
		AutoCreateSchemaEnabled:  DefaultAutoCreateSchemaEnabled,
		DefaultStorageGroupLevel: DefaultStorageGroupLevel,
		EnableParameterAdapter:   DefaultEnableParameterAdapter,
	}
}

// LoadConfig reads and decodes a TOML configuration file at path into a new
// Config seeded with defaults, the way the teacher's top-level run config
// decodes each service's TOML block over its own NewConfig() default.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, wrapErr(EIo, "LoadConfig", err)
	}
	return c, nil
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	allRequired := [][2]string{
		{"schema-dir", c.SchemaDir},
	}
	for _, required := range allRequired {
		if required[1] == "" {
			return fmt.Errorf("catalog: %s must be set", required[0])
		}
	}
	if c.MManagerCacheSize <= 0 {
		return fmt.Errorf("catalog: mmanager-cache-size must be positive")
	}
	if c.TagAttributeTotalSize <= 0 {
		return fmt.Errorf("catalog: tag-attribute-total-size must be positive")
	}
	if c.DefaultStorageGroupLevel < 0 {
		return fmt.Errorf("catalog: default-storage-group-level must be non-negative")
	}
	return nil
}
