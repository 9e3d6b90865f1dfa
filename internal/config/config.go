// Package config provides configuration loading and structs for the guide recommendation server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Recommend RecommendConfig `yaml:"recommend"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds paths for the catalog database and the vector index.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
}

// EmbeddingConfig selects the embedder.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // hashing | onnx
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	Backend     string `yaml:"backend"` // memory | bleve | pgvector
	PostgresDSN string `yaml:"postgres_dsn"`
	// AsyncUpdates routes guide mutations through the in-process event bus instead of
	// indexing on the request goroutine. Defaults to true.
	AsyncUpdates *bool `yaml:"async_updates"`
}

// AsyncUpdatesOrDefault returns AsyncUpdates, defaulting to true when unset.
func (i *IndexConfig) AsyncUpdatesOrDefault() bool {
	if i.AsyncUpdates != nil {
		return *i.AsyncUpdates
	}
	return true
}

// RecommendConfig holds composition weights, limits and fallback settings.
type RecommendConfig struct {
	DefaultLimit      int           `yaml:"default_limit"`
	MaxLimit          int           `yaml:"max_limit"`
	TitleWeight       int           `yaml:"title_weight"`
	DescriptionWeight int           `yaml:"description_weight"`
	TagsWeight        int           `yaml:"tags_weight"`
	TopTags           int           `yaml:"top_tags"`
	BatchSize         int           `yaml:"batch_size"`
	ReindexOnStart    *bool         `yaml:"reindex_on_start"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// ReindexOnStartOrDefault returns ReindexOnStart, defaulting to true when unset.
func (r *RecommendConfig) ReindexOnStartOrDefault() bool {
	if r.ReindexOnStart != nil {
		return *r.ReindexOnStart
	}
	return true
}

// BreakerConfig configures the per-generator circuit breakers.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

// LoggingConfig enables a rotating JSON log file in addition to stderr.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   *bool  `yaml:"compress"`
}

// Default returns a config with every default applied, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path, applies defaults, expands paths and validates.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	if cfg.Storage.DatabasePath != ":memory:" {
		cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	}
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown provider and backend names and inconsistent limits.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "hashing", "onnx":
	default:
		return fmt.Errorf("invalid embedding.provider %q (supported: hashing, onnx)", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "onnx" && c.Embedding.ModelPath == "" {
		return fmt.Errorf("embedding.model_path is required for the onnx provider")
	}
	switch c.Index.Backend {
	case "memory", "bleve":
	case "pgvector":
		if c.Index.PostgresDSN == "" {
			return fmt.Errorf("index.postgres_dsn is required for the pgvector backend")
		}
	default:
		return fmt.Errorf("invalid index.backend %q (supported: memory, bleve, pgvector)", c.Index.Backend)
	}
	if c.Recommend.DefaultLimit > c.Recommend.MaxLimit {
		return fmt.Errorf("recommend.default_limit (%d) exceeds recommend.max_limit (%d)",
			c.Recommend.DefaultLimit, c.Recommend.MaxLimit)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
