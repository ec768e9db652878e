package embedding

import (
	"context"
	"time"

	"agenr/internal/config"
	"agenr/internal/llm/openai"
)

func embedViaSDK(ctx context.Context, cfg config.EmbeddingConfig, inputs []string) ([][]float32, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := openai.New(config.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, nil)
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return client.Embed(cctx, model, inputs)
}
