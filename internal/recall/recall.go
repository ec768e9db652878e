// Package recall implements the hybrid scoring and query-dispatch logic
// behind the recall operation: given a query it decides whether to browse,
// search semantically, or gather session-start context, then ranks the
// resulting candidates by the composed recency/importance/strength/quality
// score.
package recall

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agenr/internal/agerr"
	"agenr/internal/config"
	"agenr/internal/embedcache"
	"agenr/internal/embedding"
	"agenr/internal/entry"
	"agenr/internal/metrics"
	"agenr/internal/store"
)

// Query describes a single recall request. Only one of Browse/Around is
// meaningful alongside Text at a time; Run picks the execution path from
// which fields are set.
type Query struct {
	Text    string
	Context string // session-start / context-only path when set and Text == ""
	Browse  bool   // browse path: list filtered active entries, no scoring terms beyond importance+recency

	Limit int

	Types          []string
	Tags           []string
	Scope          string
	Project        string
	ProjectStrict  bool
	ExcludeProject string
	Platform       string
	MinImportance  int

	Since string
	Until string

	Around       string
	AroundRadius float64 // days; defaults to 14 when Around is set and this is <= 0

	NoBoost  bool // skip scoring entirely, return raw similarity/recency order
	NoUpdate bool // skip post-recall bookkeeping (RecordRecall)
}

// Result pairs an entry with its composed recall score.
type Result struct {
	Entry *entry.Entry
	Score float64
}

// Store is the subset of *store.Store the recall engine needs.
type Store interface {
	ListActive(ctx context.Context, f store.Filter) ([]*entry.Entry, error)
	VectorSearch(ctx context.Context, query []float32, k int) ([]store.VectorSearchResult, error)
	FTSSearch(ctx context.Context, query string, limit int) ([]store.FTSResult, error)
	RecordRecall(ctx context.Context, id string) (*entry.Entry, error)
}

// Config tunes engine-wide defaults.
type Config struct {
	DefaultLimit  int
	FTSWeight     float64
	StrengthFloor float64
	Embedding     config.EmbeddingConfig

	// EmbedFunc overrides query embedding generation; nil uses
	// embedding.EmbedText against Embedding. Exposed so callers (and
	// tests) can substitute a stub without touching the embedding cache.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.FTSWeight <= 0 {
		c.FTSWeight = 0.15
	}
	if c.StrengthFloor <= 0 {
		c.StrengthFloor = 0.5
	}
}

// Engine answers recall queries against a Store.
type Engine struct {
	store   Store
	cache   *embedcache.Cache
	cfg     Config
	metrics *metrics.Registry
}

// New builds an Engine.
func New(st Store, cache *embedcache.Cache, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{store: st, cache: cache, cfg: cfg}
}

// SetMetrics attaches a registry the engine reports query counts and
// latency to.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

func recallPathLabel(q Query) string {
	switch {
	case q.Browse:
		return "browse"
	case q.Text != "":
		return "semantic"
	default:
		return "context"
	}
}

// Run dispatches q to the browse, semantic, or context-only execution path,
// scores and sorts the candidates, truncates to the requested limit, and
// (unless NoUpdate) records the returned entries as recalled.
func (e *Engine) Run(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	if e.metrics != nil {
		path := recallPathLabel(q)
		defer func() {
			e.metrics.RecallQueries.WithLabelValues(path).Inc()
			e.metrics.RecallLatency.Observe(time.Since(start).Seconds())
		}()
	}

	limit := q.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	now := time.Now().UTC()
	since, until, around, err := e.parseTimeFilters(q, now)
	if err != nil {
		return nil, err
	}

	var results []Result
	var updatable bool // whether RecordRecall bookkeeping applies to this path

	switch {
	case q.Browse:
		results, err = e.runBrowse(ctx, q, since, until, now)
	case q.Text != "":
		results, err = e.runSemantic(ctx, q, since, until, around, now)
		updatable = true
	default:
		results, err = e.runContextOnly(ctx, q, since, until, around, now)
		updatable = true
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	if updatable && !q.NoUpdate {
		for i := range results {
			updated, err := e.store.RecordRecall(ctx, results[i].Entry.ID)
			if err == nil && updated != nil {
				results[i].Entry = updated
			}
		}
	}

	return results, nil
}

func (e *Engine) parseTimeFilters(q Query, now time.Time) (since, until, around *time.Time, err error) {
	if q.Since != "" {
		t, parseErr := parseDateArg(q.Since, now)
		if parseErr != nil {
			return nil, nil, nil, agerr.New(agerr.Parse, parseErr)
		}
		since = &t
	}
	if q.Until != "" {
		t, parseErr := parseDateArg(q.Until, now)
		if parseErr != nil {
			return nil, nil, nil, agerr.New(agerr.Parse, parseErr)
		}
		until = &t
	}
	if since != nil && until != nil && since.After(*until) {
		return nil, nil, nil, agerr.New(agerr.Parse, fmt.Errorf("since %s is after until %s", q.Since, q.Until))
	}
	if q.Around != "" {
		t, parseErr := parseDateArg(q.Around, now)
		if parseErr != nil {
			return nil, nil, nil, agerr.New(agerr.Parse, parseErr)
		}
		around = &t
	}
	return since, until, around, nil
}

func (e *Engine) filterFor(q Query, since, until *time.Time) store.Filter {
	return store.Filter{
		Types:          q.Types,
		Tags:           q.Tags,
		Scope:          q.Scope,
		Project:        q.Project,
		ProjectStrict:  q.ProjectStrict,
		ExcludeProject: q.ExcludeProject,
		Platform:       q.Platform,
		MinImportance:  q.MinImportance,
		Since:          since,
		Until:          until,
	}
}

// runBrowse (path A) lists the filtered active set scored only by
// importance and recency, newest-updated first on ties.
func (e *Engine) runBrowse(ctx context.Context, q Query, since, until *time.Time, now time.Time) ([]Result, error) {
	entries, err := e.store.ListActive(ctx, e.filterFor(q, since, until))
	if err != nil {
		return nil, agerr.New(agerr.Storage, fmt.Errorf("browse list: %w", err))
	}
	out := make([]Result, 0, len(entries))
	for _, ent := range entries {
		out = append(out, Result{Entry: ent, Score: scoreBrowseEntry(ent, now)})
	}
	return out, nil
}

// runSemantic (path B) embeds q.Text, fetches nearest-neighbor candidates
// plus FTS candidates, and composes the full §4.6.1 score over their union.
func (e *Engine) runSemantic(ctx context.Context, q Query, since, until, around *time.Time, now time.Time) ([]Result, error) {
	vec, err := e.embedQuery(ctx, q.Text)
	if err != nil {
		return nil, agerr.New(agerr.EmbedTransient, err)
	}

	vecResults, err := e.store.VectorSearch(ctx, vec, candidateK(e.cfg.DefaultLimit))
	if err != nil {
		return nil, agerr.New(agerr.Storage, fmt.Errorf("vector search: %w", err))
	}
	ftsResults, err := e.store.FTSSearch(ctx, q.Text, candidateK(e.cfg.DefaultLimit))
	if err != nil {
		return nil, agerr.New(agerr.Storage, fmt.Errorf("fts search: %w", err))
	}

	cosByID := make(map[string]float64, len(vecResults))
	entByID := make(map[string]*entry.Entry, len(vecResults)+len(ftsResults))
	for _, r := range vecResults {
		cosByID[r.Entry.ID] = r.Score
		entByID[r.Entry.ID] = r.Entry
	}
	ftsByID := make(map[string]float64, len(ftsResults))
	maxFTS := 0.0
	for _, r := range ftsResults {
		ftsByID[r.Entry.ID] = r.Score
		entByID[r.Entry.ID] = r.Entry
		if r.Score > maxFTS {
			maxFTS = r.Score
		}
	}

	var out []Result
	for id, ent := range entByID {
		if !matchesFilters(ent, q, since, until) {
			continue
		}
		ftsNorm := 0.0
		if maxFTS > 0 {
			ftsNorm = ftsByID[id] / maxFTS
		}
		score := composeScore(scoreInputs{
			e:             ent,
			cos:           cosByID[id],
			now:           now,
			effective:     effectiveNow(now, around),
			ftsNorm:       ftsNorm,
			around:        around,
			aroundDays:    q.AroundRadius,
			noBoost:       q.NoBoost,
			ftsWeight:     e.cfg.FTSWeight,
			strengthFloor: e.cfg.StrengthFloor,
		})
		out = append(out, Result{Entry: ent, Score: score})
	}
	return out, nil
}

// runContextOnly (path C) scores the filtered active set with the full
// composition but no vector or FTS terms, excluding entries that suppress
// the requested context.
func (e *Engine) runContextOnly(ctx context.Context, q Query, since, until, around *time.Time, now time.Time) ([]Result, error) {
	f := e.filterFor(q, since, until)
	f.ExcludeContext = q.Context
	entries, err := e.store.ListActive(ctx, f)
	if err != nil {
		return nil, agerr.New(agerr.Storage, fmt.Errorf("context list: %w", err))
	}
	out := make([]Result, 0, len(entries))
	for _, ent := range entries {
		score := composeScore(scoreInputs{
			e:             ent,
			cos:           1.0,
			now:           now,
			effective:     effectiveNow(now, around),
			ftsNorm:       0,
			around:        around,
			aroundDays:    q.AroundRadius,
			noBoost:       q.NoBoost,
			ftsWeight:     0,
			strengthFloor: e.cfg.StrengthFloor,
		})
		out = append(out, Result{Entry: ent, Score: score})
	}
	return out, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	key := "query:" + store.ContentHash(text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	if e.cfg.EmbedFunc != nil {
		vec, err := e.cfg.EmbedFunc(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, vec)
		return vec, nil
	}
	vecs, err := embedding.EmbedText(ctx, e.cfg.Embedding, []string{text})
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, vecs[0])
	return vecs[0], nil
}

func candidateK(limit int) int {
	k := limit * 4
	if k < 20 {
		k = 20
	}
	return k
}

// matchesFilters re-applies the browse-path filter predicates in memory for
// candidates gathered via vector/FTS search, which aren't filtered at the
// SQL layer the way ListActive's candidates are.
func matchesFilters(e *entry.Entry, q Query, since, until *time.Time) bool {
	if len(q.Types) > 0 && !containsAny(q.Types, e.Type) {
		return false
	}
	if len(q.Tags) > 0 && !anyTagMatches(q.Tags, e.Tags) {
		return false
	}
	if q.Scope != "" && e.Scope != q.Scope {
		return false
	}
	if q.Project != "" {
		if q.ProjectStrict {
			if e.Project != q.Project {
				return false
			}
		} else if e.Project != q.Project && e.Project != "" {
			return false
		}
	}
	if q.ExcludeProject != "" && e.Project == q.ExcludeProject {
		return false
	}
	if q.Platform != "" && e.Platform != q.Platform {
		return false
	}
	if q.MinImportance > 0 && e.Importance < q.MinImportance {
		return false
	}
	if since != nil && e.UpdatedAt.Before(*since) {
		return false
	}
	if until != nil && e.UpdatedAt.After(*until) {
		return false
	}
	return true
}

func containsAny(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyTagMatches(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
