package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("AGENR_HOME", t.TempDir())
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "AGENR_LLM_PROVIDER", "AGENR_EMBEDDING_PROVIDER"} {
		_ = os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, "openai", cfg.Embedding.Provider)
	require.Equal(t, 1024, cfg.Embedding.Dimensions)
	require.Equal(t, 4, cfg.Ingest.Concurrency)
	require.InDelta(t, 0.72, cfg.Ingest.DedupLowThreshold, 1e-9)
	require.InDelta(t, 0.92, cfg.Ingest.DedupHighThreshold, 1e-9)
	require.NotEmpty(t, cfg.Store.Path)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENR_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("AGENR_INGEST_CONCURRENCY", "8")
	t.Setenv("AGENR_DEDUP_HIGH", "0.97")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "sk-test-key", cfg.LLM.Anthropic.APIKey)
	require.Equal(t, 8, cfg.Ingest.Concurrency)
	require.InDelta(t, 0.97, cfg.Ingest.DedupHighThreshold, 1e-9)
}
