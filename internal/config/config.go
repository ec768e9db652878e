// Package config holds agenr's runtime configuration: provider credentials,
// storage location, extraction/recall tuning, and ingest defaults.
package config

// AnthropicConfig configures the Anthropic chat provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// OpenAIConfig configures the OpenAI chat/embeddings provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`
	Model          string `yaml:"model,omitempty"`
	BaseURL        string `yaml:"base_url,omitempty"`
	EmbeddingModel string `yaml:"embedding_model,omitempty"`
}

// LLMConfig selects and configures the chat-completion backend used for
// extraction and dedup arbitration.
type LLMConfig struct {
	Provider   string          `yaml:"provider"` // "anthropic" | "openai"
	Anthropic  AnthropicConfig `yaml:"anthropic"`
	OpenAI     OpenAIConfig    `yaml:"openai"`
	MaxRetries int             `yaml:"max_retries"`
}

// EmbeddingConfig configures the embedding backend. When Provider is
// "openai-compat" requests are sent as raw HTTP POSTs (see
// internal/embedding), mirroring any OpenAI-embeddings-compatible endpoint.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "openai" | "openai-compat"
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Dimensions int    `yaml:"dimensions"`
	TimeoutSec int    `yaml:"timeout_seconds"`
	CacheSize  int    `yaml:"cache_size"`
}

// StoreConfig configures the embedded SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig tunes the ingest driver and extraction worker pool.
type IngestConfig struct {
	Concurrency          int     `yaml:"concurrency"`
	ChunkCharBudget      int     `yaml:"chunk_char_budget"`
	RetryDelayMs         int     `yaml:"retry_delay_ms"`
	MaxRetries           int     `yaml:"max_retries"`
	BackpressureMs       int     `yaml:"backpressure_timeout_ms"`
	WriteBatchSize       int     `yaml:"write_batch_size"`
	WriteHighWatermark   int     `yaml:"write_high_watermark"`
	DedupLowThreshold    float64 `yaml:"dedup_low_threshold"`
	DedupHighThreshold   float64 `yaml:"dedup_high_threshold"`
}

// RecallConfig tunes the hybrid score composition.
type RecallConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	RecencyHalfLife float64 `yaml:"recency_half_life_days"`
	FTSWeight      float64 `yaml:"fts_weight"`
}

// Config is the top-level configuration object, assembled by Load from
// environment variables, an optional .env file, and an optional
// $AGENR_HOME/config.yaml.
type Config struct {
	Home        string          `yaml:"-"`
	LogPath     string          `yaml:"log_path,omitempty"`
	LogLevel    string          `yaml:"log_level,omitempty"`
	LogPayloads bool            `yaml:"log_payloads,omitempty"`
	LLM         LLMConfig       `yaml:"llm"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Store       StoreConfig     `yaml:"store"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Recall      RecallConfig    `yaml:"recall"`
}

// applyDefaults fills in zero-valued fields that are awkward to express
// purely as Go zero values.
func (c *Config) applyDefaults() {
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 30
	}
	if c.Embedding.CacheSize <= 0 {
		c.Embedding.CacheSize = 2048
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = 4
	}
	if c.Ingest.ChunkCharBudget <= 0 {
		c.Ingest.ChunkCharBudget = 12000
	}
	if c.Ingest.RetryDelayMs <= 0 {
		c.Ingest.RetryDelayMs = 500
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 3
	}
	if c.Ingest.BackpressureMs <= 0 {
		c.Ingest.BackpressureMs = 5000
	}
	if c.Ingest.WriteBatchSize <= 0 {
		c.Ingest.WriteBatchSize = 40
	}
	if c.Ingest.WriteHighWatermark <= 0 {
		c.Ingest.WriteHighWatermark = 2000
	}
	if c.Ingest.DedupLowThreshold <= 0 {
		c.Ingest.DedupLowThreshold = 0.72
	}
	if c.Ingest.DedupHighThreshold <= 0 {
		c.Ingest.DedupHighThreshold = 0.92
	}
	if c.Recall.DefaultLimit <= 0 {
		c.Recall.DefaultLimit = 10
	}
	if c.Recall.RecencyHalfLife <= 0 {
		c.Recall.RecencyHalfLife = 30
	}
	if c.Recall.FTSWeight <= 0 {
		c.Recall.FTSWeight = 0.15
	}
	if c.Store.Path == "" && c.Home != "" {
		c.Store.Path = c.Home + "/agenr.db"
	}
}
