// Package providers selects and constructs the configured llm.Provider.
package providers

import (
	"fmt"
	"net/http"

	"agenr/internal/config"
	"agenr/internal/llm"
	"agenr/internal/llm/anthropic"
	"agenr/internal/llm/openai"
)

// Build constructs an llm.Provider from cfg.LLM.Provider ("anthropic" or
// "openai").
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "", "anthropic":
		return anthropic.New(cfg.LLM.Anthropic, httpClient), nil
	case "openai":
		return openai.New(cfg.LLM.OpenAI, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}
