// Package config loads and validates the YAML configuration document that
// drives the ingestion pipeline: staging paths, the vector sink, the work
// queue, and the worker pool.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full, validated configuration for one inboxsink process.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Weaviate WeaviateConfig `mapstructure:"weaviate"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PathsConfig names the three staging directories and the ledger file.
type PathsConfig struct {
	WaitDir    string `mapstructure:"wait_dir"`
	RunDir     string `mapstructure:"run_dir"`
	BuggyDir   string `mapstructure:"buggy_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// WeaviateConfig describes the multi-tenant vector database target.
type WeaviateConfig struct {
	Host           string          `mapstructure:"host"`
	APIKey         string          `mapstructure:"api_key"`
	CollectionName string          `mapstructure:"collection_name"`
	Embedding      EmbeddingConfig `mapstructure:"embedding"`
}

// EmbeddingConfig selects the vectorizer Weaviate uses for the collection.
type EmbeddingConfig struct {
	Provider         string `mapstructure:"provider"`
	Model            string `mapstructure:"model"`
	VectorDimensions int    `mapstructure:"vector_dimensions"`
}

// QueueConfig bounds the work queue's capacity.
type QueueConfig struct {
	MaxSize int `mapstructure:"maxsize"`
}

// WorkerConfig sizes the worker pool and the orchestrator's poll cadence.
type WorkerConfig struct {
	Threads      int           `mapstructure:"threads"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig sets the zerolog level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns a Config with sensible defaults for every field
// a config file is allowed to omit.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxSize: 100,
		},
		Worker: WorkerConfig{
			Threads:      4,
			PollInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given viper instance, applies
// environment-variable interpolation for secret-bearing fields, and
// validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Weaviate.APIKey = InterpolateEnv(cfg.Weaviate.APIKey)
	cfg.Weaviate.Host = InterpolateEnv(cfg.Weaviate.Host)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a specific YAML config file and returns a validated
// Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Load(v)
}

var validEmbeddingProviders = map[string]bool{"openai": true, "ollama": true}

// Validate rejects configuration that would cause the orchestrator to fail
// in confusing ways at startup rather than at config-load time.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Paths.WaitDir == "" {
		errs = append(errs, "paths.wait_dir: required")
	}
	if cfg.Paths.RunDir == "" {
		errs = append(errs, "paths.run_dir: required")
	}
	if cfg.Paths.BuggyDir == "" {
		errs = append(errs, "paths.buggy_dir: required")
	}
	if cfg.Paths.SQLitePath == "" {
		errs = append(errs, "paths.sqlite_path: required")
	}

	if cfg.Weaviate.Host == "" {
		errs = append(errs, "weaviate.host: required")
	}
	if cfg.Weaviate.CollectionName == "" {
		errs = append(errs, "weaviate.collection_name: required")
	}
	if !validEmbeddingProviders[cfg.Weaviate.Embedding.Provider] {
		errs = append(errs, fmt.Sprintf("weaviate.embedding.provider: unsupported provider %q (supported: openai, ollama)", cfg.Weaviate.Embedding.Provider))
	}
	if cfg.Weaviate.Embedding.VectorDimensions <= 0 {
		errs = append(errs, "weaviate.embedding.vector_dimensions: must be positive")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxsize: must be positive")
	}
	if cfg.Worker.Threads <= 0 {
		errs = append(errs, "worker.threads: must be positive")
	}
	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, "worker.poll_interval: must be positive")
	}

	if len(errs) > 0 {
		msg := "configuration errors:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in s with the
// corresponding environment variable, leaving the pattern untouched when
// neither the variable nor a default is available.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		// ${VAR:-} has an empty default and resolves to "".
		if strings.Contains(match, ":-") {
			return defaultVal
		}
		return match
	})
}
