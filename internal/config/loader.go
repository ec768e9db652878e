package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	return strings.EqualFold(s, "true") || s == "1" || strings.EqualFold(s, "yes")
}

// Home resolves $AGENR_HOME, defaulting to ~/.agenr.
func Home() string {
	if v := strings.TrimSpace(os.Getenv("AGENR_HOME")); v != "" {
		return v
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".agenr"
	}
	return filepath.Join(dir, ".agenr")
}

// Load reads configuration from environment variables (optionally via a
// .env file in the working directory) and, if present, from
// $AGENR_HOME/config.yaml. Env vars take precedence; matches the
// overload-then-merge order the rest of this stack's tools use for
// credential discovery.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{Home: Home()}

	if yamlPath := filepath.Join(cfg.Home, "config.yaml"); fileExists(yamlPath) {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	cfg.LogPath = firstNonEmpty(strings.TrimSpace(os.Getenv("AGENR_LOG_PATH")), cfg.LogPath)
	cfg.LogLevel = firstNonEmpty(strings.TrimSpace(os.Getenv("AGENR_LOG_LEVEL")), cfg.LogLevel)
	if v := strings.TrimSpace(os.Getenv("AGENR_LOG_PAYLOADS")); v != "" {
		cfg.LogPayloads = parseBool(v)
	}

	if v := strings.TrimSpace(os.Getenv("AGENR_LLM_PROVIDER")); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.LLM.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		cfg.LLM.Anthropic.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")); v != "" {
		cfg.LLM.Anthropic.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.LLM.OpenAI.APIKey = v
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		cfg.LLM.OpenAI.Model = v
	}
	if v := firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL"))); v != "" {
		cfg.LLM.OpenAI.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_LLM_MAX_RETRIES")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.LLM.MaxRetries = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("AGENR_EMBEDDING_PROVIDER")); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_EMBEDDING_BASE_URL")); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_EMBEDDING_DIMENSIONS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_EMBEDDING_CACHE_SIZE")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.CacheSize = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("AGENR_STORE_PATH")); v != "" {
		cfg.Store.Path = v
	}

	if v := strings.TrimSpace(os.Getenv("AGENR_INGEST_CONCURRENCY")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Ingest.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_DEDUP_LOW")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Ingest.DedupLowThreshold = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENR_DEDUP_HIGH")); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Ingest.DedupHighThreshold = f
		}
	}

	cfg.applyDefaults()

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}

	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
