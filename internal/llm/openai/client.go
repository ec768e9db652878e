// Package openai adapts the OpenAI chat-completions and embeddings APIs to
// agenr's llm.Provider interface and internal/embedding's SDK embed path.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"agenr/internal/config"
	"agenr/internal/llm"
	"agenr/internal/obs"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = sdk.ChatModelGPT4o
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    c.pickModel(model),
		Messages: adaptMessages(msgs),
		Tools:    adaptTools(tools),
	}
	log := obs.Logger(ctx)
	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", params.Model).Dur("duration", dur).Msg("openai_chat_error")
		return llm.Message{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Message{}, fmt.Errorf("openai chat: empty choices")
	}
	log.Debug().Str("model", params.Model).Dur("duration", dur).
		Int64("prompt_tokens", resp.Usage.PromptTokens).Int64("completion_tokens", resp.Usage.CompletionTokens).
		Msg("openai_chat_ok")
	return messageFromChoice(resp.Choices[0]), nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	params := sdk.ChatCompletionNewParams{
		Model:    c.pickModel(model),
		Messages: adaptMessages(msgs),
		Tools:    adaptTools(tools),
	}
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolArgs := map[int64]*strings.Builder{}
	toolNames := map[int64]string{}
	toolIDs := map[int64]string{}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" && h != nil {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if tc.ID != "" {
				toolIDs[idx] = tc.ID
			}
			if tc.Function.Name != "" {
				toolNames[idx] = tc.Function.Name
			}
			if _, ok := toolArgs[idx]; !ok {
				toolArgs[idx] = &strings.Builder{}
			}
			toolArgs[idx].WriteString(tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	if h != nil {
		for idx, argBuf := range toolArgs {
			args := argBuf.String()
			if !json.Valid([]byte(args)) {
				args = "{}"
			}
			h.OnToolCall(llm.ToolCall{Name: toolNames[idx], Args: json.RawMessage(args), ID: toolIDs[idx]})
		}
	}
	return nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func adaptTools(tools []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  sdk.FunctionParameters(t.Parameters),
		}))
	}
	return out
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

func messageFromChoice(choice sdk.ChatCompletionChoice) llm.Message {
	msg := llm.Message{Role: "assistant", Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
			ID:   tc.ID,
		})
	}
	return msg
}

// Embed generates embeddings via the OpenAI embeddings endpoint.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: c.pickModel(model),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
