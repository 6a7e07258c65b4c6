package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raglite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "simple", cfg.Logging.Format)
	assert.Equal(t, "ollama", cfg.Embedder.Provider)
	assert.Equal(t, 32, cfg.Embedder.BatchSize)
	assert.Equal(t, 4, cfg.Embedder.MaxConcurrency)
	assert.Equal(t, "chromem", cfg.Store.Type)
	assert.Equal(t, "raglite_chunks", cfg.Store.Collection)
	assert.Equal(t, 5, cfg.Jobs.MaxConcurrentJobs)
	assert.Equal(t, 24, cfg.Jobs.CleanupMaxAgeHours)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.BaseDelayMS)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 1000, cfg.Caches.Embedding.MaxSize)
	assert.Equal(t, 60*time.Minute, cfg.Caches.Embedding.TTL())
	assert.Equal(t, 500, cfg.Caches.Results.MaxSize)
	assert.Equal(t, 0.3, cfg.Rerank.VectorWeight)
	assert.Equal(t, 0.7, cfg.Rerank.RerankWeight)
	assert.Equal(t, -10.0, cfg.Rerank.ScoreMin)
	assert.Equal(t, 10.0, cfg.Rerank.ScoreMax)
	assert.False(t, cfg.Rerank.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "store: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
embedder:
  provider: openai
  api_key: sk-test
  model: text-embedding-3-small
store:
  type: qdrant
  host: qdrant.internal
jobs:
  max_concurrent_jobs: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedder.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
	assert.Equal(t, "qdrant", cfg.Store.Type)
	assert.Equal(t, "qdrant.internal", cfg.Store.Host)
	assert.Equal(t, 6334, cfg.Store.Port, "qdrant port defaulted")
	assert.Equal(t, 2, cfg.Jobs.MaxConcurrentJobs)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "embedder:\n  provider: cohere\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestValidateOpenAIRequiresAPIKey(t *testing.T) {
	path := writeConfig(t, "embedder:\n  provider: openai\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	path := writeConfig(t, "store:\n  type: pinecone\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestValidateRerankRequiresURL(t *testing.T) {
	path := writeConfig(t, "rerank:\n  enabled: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestValidateRerankScoreRange(t *testing.T) {
	path := writeConfig(t, "rerank:\n  score_min: 5\n  score_max: 5\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score_max")
}

func TestValidateJobCap(t *testing.T) {
	path := writeConfig(t, "jobs:\n  max_concurrent_jobs: -1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_jobs")
}

func TestValidateChunkingBounds(t *testing.T) {
	path := writeConfig(t, "chunking:\n  chunk_size: 10\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunking")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RAGLITE_TEST_KEY", "secret-value")
	t.Setenv("RAGLITE_TEST_HOST", "db.example.com")
	os.Unsetenv("RAGLITE_TEST_UNSET")

	assert.Equal(t, "secret-value", expandEnvVars("${RAGLITE_TEST_KEY}"))
	assert.Equal(t, "secret-value", expandEnvVars("$RAGLITE_TEST_KEY"))
	assert.Equal(t, "db.example.com", expandEnvVars("${RAGLITE_TEST_HOST:-localhost}"))
	assert.Equal(t, "localhost", expandEnvVars("${RAGLITE_TEST_UNSET:-localhost}"))
	assert.Equal(t, "", expandEnvVars("${RAGLITE_TEST_UNSET}"))
	assert.Equal(t, "no refs here", expandEnvVars("no refs here"))
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("RAGLITE_TEST_API_KEY", "sk-from-env")

	path := writeConfig(t, `
embedder:
  provider: openai
  api_key: ${RAGLITE_TEST_API_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Embedder.APIKey)
}
