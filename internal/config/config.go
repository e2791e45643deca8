package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the complete codeintel configuration (v1 schema)
type Config struct {
	Version     int    `json:"version" mapstructure:"version"`
	StorageRoot string `json:"storageRoot" mapstructure:"storageRoot"`

	HTTP    HTTPConfig    `json:"http" mapstructure:"http"`
	Cache   CacheConfig   `json:"cache" mapstructure:"cache"`
	Xrepo   XrepoConfig   `json:"xrepo" mapstructure:"xrepo"`
	Jobs    JobsConfig    `json:"jobs" mapstructure:"jobs"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// CacheConfig contains the capacities of the three shared caches.
// Capacities are entry counts, not bytes.
type CacheConfig struct {
	ConnectionCapacity  int `json:"connectionCapacity" mapstructure:"connectionCapacity"`
	DocumentCapacity    int `json:"documentCapacity" mapstructure:"documentCapacity"`
	ResultChunkCapacity int `json:"resultChunkCapacity" mapstructure:"resultChunkCapacity"`
}

// XrepoConfig contains cross-repository index configuration
type XrepoConfig struct {
	ReferencePageLimit int    `json:"referencePageLimit" mapstructure:"referencePageLimit"`
	GitserversFile     string `json:"gitserversFile" mapstructure:"gitserversFile"`
	SchemePriorityFile string `json:"schemePriorityFile" mapstructure:"schemePriorityFile"`
	CursorSecret       string `json:"cursorSecret" mapstructure:"cursorSecret"`
}

// JobsConfig contains job store configuration
type JobsConfig struct {
	RetentionHours int `json:"retentionHours" mapstructure:"retentionHours"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version:     1,
		StorageRoot: ".codeintel",
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:3186",
		},
		Cache: CacheConfig{
			ConnectionCapacity:  100,
			DocumentCapacity:    100,
			ResultChunkCapacity: 1000,
		},
		Xrepo: XrepoConfig{
			ReferencePageLimit: 50,
			GitserversFile:     "gitservers.toml",
			SchemePriorityFile: "",
			CursorSecret:       "",
		},
		Jobs: JobsConfig{
			RetentionHours: 24 * 7,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// LoadConfig loads configuration from <root>/.codeintel/config.json,
// falling back to defaults when no config file exists.
func LoadConfig(root string) (*Config, error) {
	v := viper.New()

	v.SetDefault("version", 1)
	v.SetDefault("storageRoot", ".codeintel")

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(root, ".codeintel"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to <root>/.codeintel/config.json
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, ".codeintel")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Cache.ConnectionCapacity <= 0 {
		return &ConfigError{Field: "cache.connectionCapacity", Message: "must be positive"}
	}
	if c.Cache.DocumentCapacity <= 0 {
		return &ConfigError{Field: "cache.documentCapacity", Message: "must be positive"}
	}
	if c.Cache.ResultChunkCapacity <= 0 {
		return &ConfigError{Field: "cache.resultChunkCapacity", Message: "must be positive"}
	}
	if c.Xrepo.ReferencePageLimit <= 0 {
		return &ConfigError{Field: "xrepo.referencePageLimit", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
