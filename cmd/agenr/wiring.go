package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"agenr/internal/config"
	"agenr/internal/dedup"
	"agenr/internal/embedcache"
	"agenr/internal/embedding"
	"agenr/internal/extractor"
	"agenr/internal/llm"
	"agenr/internal/llm/providers"
	"agenr/internal/metrics"
	"agenr/internal/obs"
	"agenr/internal/recall"
	"agenr/internal/store"
	"agenr/internal/writequeue"
)

// stack bundles every collaborator a subcommand needs, built once from the
// resolved configuration.
type stack struct {
	cfg      config.Config
	st       *store.Store
	cache    *embedcache.Cache
	provider llm.Provider
	queue    *writequeue.Queue
	extract  *extractor.Extractor
	rec      *recall.Engine
	metrics  *metrics.Registry
}

func buildStack(ctx context.Context, cfg config.Config) (*stack, error) {
	provider, err := providers.Build(cfg, &http.Client{Timeout: 60 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.Path, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache := embedcache.New(cfg.Embedding.CacheSize)
	m := metrics.New()

	dedupCfg := dedup.Config{
		LowThreshold:  cfg.Ingest.DedupLowThreshold,
		HighThreshold: cfg.Ingest.DedupHighThreshold,
		Embedding:     cfg.Embedding,
	}
	reconciler := dedup.New(st, cache, provider, dedupCfg)

	queueCfg := writequeue.Config{
		HighWatermark:       cfg.Ingest.WriteHighWatermark,
		BatchSize:           cfg.Ingest.WriteBatchSize,
		BackpressureTimeout: time.Duration(cfg.Ingest.BackpressureMs) * time.Millisecond,
		IsShutdownRequested: isShuttingDown,
	}
	queue := writequeue.New(queueCfg, reconciler)

	extractorCfg := extractor.Config{
		Concurrency: cfg.Ingest.Concurrency,
		MaxRetries:  cfg.Ingest.MaxRetries,
		RetryDelay:  time.Duration(cfg.Ingest.RetryDelayMs) * time.Millisecond,
		Model:       chatModel(cfg),
		DB:          st,
		Embed: func(ctx context.Context, text string) ([]float32, error) {
			key := store.ContentHash(text)
			if v, ok := cache.Get(key); ok {
				return v, nil
			}
			vecs, err := embedding.EmbedText(ctx, cfg.Embedding, []string{text})
			if err != nil {
				return nil, err
			}
			cache.Set(key, vecs[0])
			return vecs[0], nil
		},
	}
	ex := extractor.New(provider, extractorCfg)

	recallCfg := recall.Config{
		DefaultLimit:  cfg.Recall.DefaultLimit,
		FTSWeight:     cfg.Recall.FTSWeight,
		StrengthFloor: 0.5,
		Embedding:     cfg.Embedding,
	}
	rec := recall.New(st, cache, recallCfg)
	rec.SetMetrics(m)
	queue.SetMetrics(m)

	return &stack{
		cfg: cfg, st: st, cache: cache, provider: provider,
		queue: queue, extract: ex, rec: rec, metrics: m,
	}, nil
}

func (s *stack) Close() {
	if s.queue != nil {
		s.queue.Drain()
		s.queue.Destroy()
	}
	if s.st != nil {
		_ = s.st.Close()
	}
}

func chatModel(cfg config.Config) string {
	switch cfg.LLM.Provider {
	case "openai":
		return cfg.LLM.OpenAI.Model
	default:
		return cfg.LLM.Anthropic.Model
	}
}

func loadConfigOrExit() config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr: load config: %v\n", err)
		os.Exit(2)
	}
	obs.Init(cfg.LogPath, cfg.LogLevel)
	return cfg
}
