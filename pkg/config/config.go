// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates raglite configuration from YAML,
// with ${VAR} environment expansion and .env autoloading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/raglite/pkg/chunking"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Chunking  chunking.Config `yaml:"chunking"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Caches    CachesConfig    `yaml:"caches"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Store     StoreConfig     `yaml:"store"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Retry     RetryConfig     `yaml:"retry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `yaml:"level"`

	// Format is "simple" or "verbose" (default: simple).
	Format string `yaml:"format"`

	// File is the log file path; empty logs to stderr.
	File string `yaml:"file,omitempty"`
}

// EmbedderConfig configures the embedding collaborator and its manager.
type EmbedderConfig struct {
	// Provider is "openai" or "ollama" (default: ollama).
	Provider string `yaml:"provider"`

	// Model name; provider default when empty.
	Model string `yaml:"model,omitempty"`

	// APIKey for hosted providers.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimension of output vectors (provider default when 0).
	Dimension int `yaml:"dimension,omitempty"`

	// TimeoutSeconds per collaborator call (default: 30).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// BatchSize is the maximum texts per call (default: 32).
	BatchSize int `yaml:"batch_size,omitempty"`

	// Adaptive shrinks batches for long texts.
	Adaptive bool `yaml:"adaptive,omitempty"`

	// MaxConcurrency is the batch fan-out limit (default: 4).
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
}

// CacheConfig bounds one cache.
type CacheConfig struct {
	// MaxSize is the maximum resident entries.
	MaxSize int `yaml:"max_size"`

	// TTLMinutes is the entry time-to-live.
	TTLMinutes int `yaml:"ttl_minutes"`
}

// TTL returns the configured TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// CachesConfig holds the two process-local caches.
type CachesConfig struct {
	// Embedding caches (text, model) → vector (default: 1000 entries, 60m).
	Embedding CacheConfig `yaml:"embedding"`

	// Results caches ranked retrieval results (default: 500 entries, 30m).
	Results CacheConfig `yaml:"results"`
}

// RerankConfig configures cross-encoder reranking and score fusion.
type RerankConfig struct {
	// Enabled turns hybrid search on.
	Enabled bool `yaml:"enabled"`

	// URL of the cross-encoder scoring endpoint.
	URL string `yaml:"url,omitempty"`

	// TimeoutSeconds per scoring call (default: 30).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// VectorWeight in hybrid fusion (default: 0.3).
	VectorWeight float64 `yaml:"vector_weight,omitempty"`

	// RerankWeight in hybrid fusion (default: 0.7).
	RerankWeight float64 `yaml:"rerank_weight,omitempty"`

	// ScoreMin/ScoreMax bound the cross-encoder's raw score range used
	// for normalization. Model-dependent; defaults -10/10.
	ScoreMin float64 `yaml:"score_min,omitempty"`
	ScoreMax float64 `yaml:"score_max,omitempty"`
}

// StoreConfig configures the storage collaborator.
type StoreConfig struct {
	// Type is "chromem" (embedded) or "qdrant" (default: chromem).
	Type string `yaml:"type"`

	// Host/Port for qdrant (default: localhost:6334, gRPC).
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// APIKey for authenticated qdrant access.
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS for qdrant connections.
	UseTLS bool `yaml:"use_tls,omitempty"`

	// PersistPath enables chromem file persistence.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for chromem persistence.
	Compress bool `yaml:"compress,omitempty"`

	// Collection is the collection name (default: raglite_chunks).
	Collection string `yaml:"collection,omitempty"`
}

// JobsConfig configures the asynchronous job subsystem.
type JobsConfig struct {
	// MaxConcurrentJobs is the global cap on non-terminal jobs
	// (default: 5).
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// BatchSize is the default chunk batch size for bulk jobs
	// (default: 32).
	BatchSize int `yaml:"batch_size,omitempty"`

	// CleanupMaxAgeHours is the default age threshold for removing
	// finished jobs (default: 24).
	CleanupMaxAgeHours int `yaml:"cleanup_max_age_hours,omitempty"`
}

// RetryConfig configures the shared retry policy.
type RetryConfig struct {
	// MaxAttempts including the first call (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BaseDelayMS before the first retry (default: 500).
	BaseDelayMS int `yaml:"base_delay_ms,omitempty"`

	// Multiplier for exponential backoff (default: 2.0).
	Multiplier float64 `yaml:"multiplier,omitempty"`

	// MaxDelayMS caps the backoff (default: 30000).
	MaxDelayMS int `yaml:"max_delay_ms,omitempty"`

	// Jitter randomizes delays by ±50%.
	Jitter bool `yaml:"jitter,omitempty"`
}

// MetricsConfig configures the prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// SetDefaults fills unset fields across all sections.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	c.Chunking.SetDefaults()
	if c.Chunking.Overlap == 0 && c.Chunking.ChunkSize == chunking.DefaultChunkSize {
		c.Chunking.Overlap = chunking.DefaultOverlap
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "ollama"
	}
	if c.Embedder.TimeoutSeconds == 0 {
		c.Embedder.TimeoutSeconds = 30
	}
	if c.Embedder.BatchSize == 0 {
		c.Embedder.BatchSize = 32
	}
	if c.Embedder.MaxConcurrency == 0 {
		c.Embedder.MaxConcurrency = 4
	}

	if c.Caches.Embedding.MaxSize == 0 {
		c.Caches.Embedding.MaxSize = 1000
	}
	if c.Caches.Embedding.TTLMinutes == 0 {
		c.Caches.Embedding.TTLMinutes = 60
	}
	if c.Caches.Results.MaxSize == 0 {
		c.Caches.Results.MaxSize = 500
	}
	if c.Caches.Results.TTLMinutes == 0 {
		c.Caches.Results.TTLMinutes = 30
	}

	if c.Rerank.TimeoutSeconds == 0 {
		c.Rerank.TimeoutSeconds = 30
	}
	if c.Rerank.VectorWeight == 0 {
		c.Rerank.VectorWeight = 0.3
	}
	if c.Rerank.RerankWeight == 0 {
		c.Rerank.RerankWeight = 0.7
	}
	if c.Rerank.ScoreMin == 0 && c.Rerank.ScoreMax == 0 {
		c.Rerank.ScoreMin = -10
		c.Rerank.ScoreMax = 10
	}

	if c.Store.Type == "" {
		c.Store.Type = "chromem"
	}
	if c.Store.Type == "qdrant" {
		if c.Store.Host == "" {
			c.Store.Host = "localhost"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 6334
		}
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "raglite_chunks"
	}

	if c.Jobs.MaxConcurrentJobs == 0 {
		c.Jobs.MaxConcurrentJobs = 5
	}
	if c.Jobs.BatchSize == 0 {
		c.Jobs.BatchSize = 32
	}
	if c.Jobs.CleanupMaxAgeHours == 0 {
		c.Jobs.CleanupMaxAgeHours = 24
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 500
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 30000
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}

	switch c.Embedder.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedder: unsupported provider %q (supported: openai, ollama)", c.Embedder.Provider)
	}
	if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
		return fmt.Errorf("embedder: api_key is required for openai")
	}

	switch c.Store.Type {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("store: unsupported type %q (supported: chromem, qdrant)", c.Store.Type)
	}

	if c.Rerank.Enabled && c.Rerank.URL == "" {
		return fmt.Errorf("rerank: url is required when rerank is enabled")
	}
	if c.Rerank.ScoreMax <= c.Rerank.ScoreMin {
		return fmt.Errorf("rerank: score_max (%v) must exceed score_min (%v)", c.Rerank.ScoreMax, c.Rerank.ScoreMin)
	}

	if c.Jobs.MaxConcurrentJobs < 1 {
		return fmt.Errorf("jobs: max_concurrent_jobs must be at least 1")
	}

	return nil
}

// Load reads a YAML config file, expands ${VAR} references, applies
// defaults and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	loadDotEnv()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
