package config

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() string {
	return `
paths:
  wait_dir: /data/wait
  run_dir: /data/run
  buggy_dir: /data/buggy
  sqlite_path: /data/ledger.db

weaviate:
  host: localhost:8080
  collection_name: InboxMessage
  embedding:
    provider: ollama
    model: mxbai-embed-large
    vector_dimensions: 1024

queue:
  maxsize: 100

worker:
  threads: 4
  poll_interval: 2s

logging:
  level: info
`
}

func loadYAML(t *testing.T, content string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(content)))
	return Load(v)
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := loadYAML(t, validYAML())
	require.NoError(t, err)
	assert.Equal(t, "/data/wait", cfg.Paths.WaitDir)
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 4, cfg.Worker.Threads)
	assert.Equal(t, "ollama", cfg.Weaviate.Embedding.Provider)
}

func TestLoad_MissingRequiredField(t *testing.T) {
	_, err := loadYAML(t, `
weaviate:
  host: localhost:8080
  collection_name: InboxMessage
  embedding:
    provider: ollama
    vector_dimensions: 1024
queue:
  maxsize: 100
worker:
  threads: 4
  poll_interval: 2s
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.wait_dir")
}

func TestLoad_UnsupportedEmbeddingProvider(t *testing.T) {
	content := validYAML()
	content = strings.Replace(content, "provider: ollama", "provider: bogus", 1)
	_, err := loadYAML(t, content)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.provider")
}

func TestInterpolateEnv(t *testing.T) {
	require.NoError(t, os.Setenv("INBOXSINK_TEST_KEY", "secret123"))
	defer func() { _ = os.Unsetenv("INBOXSINK_TEST_KEY") }()

	assert.Equal(t, "secret123", InterpolateEnv("${INBOXSINK_TEST_KEY}"))
	assert.Equal(t, "fallback", InterpolateEnv("${INBOXSINK_TEST_UNSET:-fallback}"))
	assert.Equal(t, "${INBOXSINK_TEST_UNSET}", InterpolateEnv("${INBOXSINK_TEST_UNSET}"))
}

func TestDefaultConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100, cfg.Queue.MaxSize)
	assert.Equal(t, 4, cfg.Worker.Threads)
	assert.Equal(t, "info", cfg.Logging.Level)
}
