// Package dedup implements the store-time near-duplicate reconciliation
// policy: exact content hash, then canonical key, then an embedding-band
// comparison with optional LLM arbitration, falling through to a plain
// insert. It implements writequeue.Reconciler so the write queue can flush
// a batch straight through it.
package dedup

import (
	"context"
	"fmt"

	"agenr/internal/agerr"
	"agenr/internal/config"
	"agenr/internal/embedcache"
	"agenr/internal/embedding"
	"agenr/internal/entry"
	"agenr/internal/llm"
	"agenr/internal/obs"
	"agenr/internal/store"
	"agenr/internal/writequeue"
)

// Store is the subset of *store.Store the reconciler needs, narrowed for
// testability.
type Store interface {
	GetActiveByContentHash(ctx context.Context, subject, hash string) ([]*entry.Entry, error)
	GetActiveByCanonicalKey(ctx context.Context, subject, canonicalKey string) ([]*entry.Entry, error)
	VectorSearchBySubject(ctx context.Context, subject string, query []float32, k int) ([]store.VectorSearchResult, error)
	InsertEntry(ctx context.Context, e *entry.Entry) error
	UpdateContent(ctx context.Context, id, content, canonicalKey string, embedding []float32) error
	MarkSuperseded(ctx context.Context, oldID, newID, reason string) error
	Reinforce(ctx context.Context, id string, qualitySignal float64) error
	AddSource(ctx context.Context, src entry.Source) error
}

// Config tunes the embedding-band thresholds and bypass flags.
type Config struct {
	LowThreshold  float64
	HighThreshold float64
	TopK          int
	SkipLLMDedup  bool
	Force         bool
	Embedding     config.EmbeddingConfig
}

func (c *Config) applyDefaults() {
	if c.LowThreshold <= 0 {
		c.LowThreshold = 0.72
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 0.92
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
}

// Reconciler is the writequeue.Reconciler implementation backing the store
// pipeline.
type Reconciler struct {
	store    Store
	cache    *embedcache.Cache
	arbiter  llm.Provider
	cfg      Config
}

// New builds a Reconciler. arbiter may be nil, in which case the embedding
// band always falls through to insert for similarities below HighThreshold
// (equivalent to an unconfigured llmClient in the reference policy).
func New(st Store, cache *embedcache.Cache, arbiter llm.Provider, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{store: st, cache: cache, arbiter: arbiter, cfg: cfg}
}

type action int

const (
	actionInsert action = iota
	actionReinforce
	actionSupersede
	actionSkip
)

// ApplyBatch reconciles every item in order, applying the four-tier policy
// per entry. A storage error aborts the remaining items in the batch; items
// already committed before the error stay committed (each tier's writes are
// individually transactional, so partial progress within a batch is safe —
// a retried file simply re-reconciles against what already landed).
func (r *Reconciler) ApplyBatch(ctx context.Context, items []writequeue.Entry) (writequeue.BatchOutcome, error) {
	var out writequeue.BatchOutcome
	log := obs.Logger(ctx)
	for _, it := range items {
		act, llmCalled, err := r.reconcileOne(ctx, it)
		if llmCalled {
			out.LLMDedupCalls++
		}
		if err != nil {
			log.Error().Err(err).Str("subject", it.Item.Subject).Msg("dedup_reconcile_failed")
			return out, err
		}
		switch act {
		case actionInsert:
			out.Added++
		case actionReinforce:
			out.Updated++
		case actionSupersede:
			out.Superseded++
		case actionSkip:
			out.Skipped++
		}
	}
	return out, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, it writequeue.Entry) (action, bool, error) {
	e := it.Item
	hash := store.ContentHash(e.Content)

	existing, err := r.store.GetActiveByContentHash(ctx, e.Subject, hash)
	if err != nil {
		return actionInsert, false, agerr.New(agerr.Storage, fmt.Errorf("content hash lookup: %w", err))
	}
	if len(existing) > 0 {
		if err := r.reinforce(ctx, existing[0], it); err != nil {
			return actionInsert, false, err
		}
		return actionReinforce, false, nil
	}

	if e.CanonicalKey != "" {
		byKey, err := r.store.GetActiveByCanonicalKey(ctx, e.Subject, e.CanonicalKey)
		if err != nil {
			return actionInsert, false, agerr.New(agerr.Storage, fmt.Errorf("canonical key lookup: %w", err))
		}
		if len(byKey) > 0 {
			if err := r.supersede(ctx, byKey[0], e, it); err != nil {
				return actionInsert, false, err
			}
			return actionSupersede, false, nil
		}
	}

	if r.cfg.Force {
		return r.insert(ctx, e, it)
	}

	vec, err := r.embed(ctx, e)
	if err != nil {
		return actionInsert, false, agerr.New(agerr.EmbedTransient, err)
	}
	e.Embedding = vec

	neighbors, err := r.store.VectorSearchBySubject(ctx, e.Subject, vec, r.cfg.TopK)
	if err != nil {
		return actionInsert, false, agerr.New(agerr.Storage, fmt.Errorf("vector search: %w", err))
	}

	for _, n := range neighbors {
		if n.Score >= r.cfg.HighThreshold {
			if err := r.reinforce(ctx, n.Entry, it); err != nil {
				return actionInsert, false, err
			}
			return actionReinforce, false, nil
		}
		if n.Score >= r.cfg.LowThreshold {
			if r.cfg.SkipLLMDedup || r.arbiter == nil {
				continue
			}
			act, err := r.applyArbitration(ctx, n.Entry, e, it)
			if err != nil {
				return actionInsert, true, err
			}
			return act, true, nil
		}
	}

	return r.insert(ctx, e, it)
}

func (r *Reconciler) insert(ctx context.Context, e *entry.Entry, it writequeue.Entry) (action, bool, error) {
	if err := r.store.InsertEntry(ctx, e); err != nil {
		return actionInsert, false, agerr.New(agerr.Storage, fmt.Errorf("insert entry: %w", err))
	}
	if it.SourceFile != "" {
		_ = r.store.AddSource(ctx, entry.Source{EntryID: e.ID, FilePath: it.SourceFile})
	}
	return actionInsert, false, nil
}

func (r *Reconciler) reinforce(ctx context.Context, target *entry.Entry, it writequeue.Entry) error {
	if err := r.store.Reinforce(ctx, target.ID, target.QualityScore+0.1); err != nil {
		return agerr.New(agerr.Storage, fmt.Errorf("reinforce: %w", err))
	}
	if it.SourceFile != "" {
		_ = r.store.AddSource(ctx, entry.Source{EntryID: target.ID, FilePath: it.SourceFile})
	}
	return nil
}

func (r *Reconciler) supersede(ctx context.Context, old *entry.Entry, newEntry *entry.Entry, it writequeue.Entry) error {
	if err := r.store.InsertEntry(ctx, newEntry); err != nil {
		return agerr.New(agerr.Storage, fmt.Errorf("insert superseding entry: %w", err))
	}
	if err := r.store.MarkSuperseded(ctx, old.ID, newEntry.ID, "canonical_key_supersede"); err != nil {
		return agerr.New(agerr.Storage, fmt.Errorf("mark superseded: %w", err))
	}
	if it.SourceFile != "" {
		_ = r.store.AddSource(ctx, entry.Source{EntryID: newEntry.ID, FilePath: it.SourceFile})
	}
	return nil
}

func (r *Reconciler) embed(ctx context.Context, e *entry.Entry) ([]float32, error) {
	if len(e.Embedding) > 0 {
		return e.Embedding, nil
	}
	key := store.ContentHash(e.Content)
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	vecs, err := embedding.EmbedText(ctx, r.cfg.Embedding, []string{e.Content})
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, vecs[0])
	return vecs[0], nil
}
