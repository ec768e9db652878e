// Package extractor drives the LLM extraction state machine: turning a
// parser.Chunk (or, in whole-file mode, an entire parsed transcript) into
// zero or more candidate entries via an llm.Provider call, with retry,
// backpressure-aware pacing, pre-fetch of related memories, a post-
// extraction dedup pass, and tolerant JSON parsing of the model's output
// whether it arrives as text or as a tool-use call.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agenr/internal/agerr"
	"agenr/internal/llm"
	"agenr/internal/obs"
	"agenr/internal/parser"
	"agenr/internal/store"
)

// Candidate is a knowledge item as extracted from a chunk, prior to dedup
// reconciliation and persistence.
type Candidate struct {
	Type         string
	Subject      string
	Content      string
	CanonicalKey string
	Importance   int // 1-10
	Tags         []string
	ByteFrom     int64
	ByteTo       int64
}

// WholeFileMode selects between chunked and single-call extraction.
type WholeFileMode string

const (
	WholeFileAuto  WholeFileMode = "auto"  // whole-file when the rendered transcript fits WholeFileCharBudget
	WholeFileForce WholeFileMode = "force" // always whole-file
	WholeFileNever WholeFileMode = "never" // always chunked
)

// EmbedFunc embeds text for the pre-fetch path. A nil Embed disables
// pre-fetch regardless of NoPreFetch.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// PrefetchStore is the slice of *store.Store pre-fetch needs: whether the
// store holds enough active entries to be worth querying, and a plain
// vector search for related memories.
type PrefetchStore interface {
	CountActive(ctx context.Context) (int, error)
	VectorSearch(ctx context.Context, query []float32, k int) ([]store.VectorSearchResult, error)
}

// ChunkCompletion is reported to Config.OnChunkComplete once per chunk (or
// once, for whole-file mode's single unit of work).
type ChunkCompletion struct {
	ChunkIndex       int
	TotalChunks      int
	Entries          []Candidate
	Warnings         []string
	EntriesExtracted int
	Duration         time.Duration
}

// Config tunes the worker pool, retry/backoff behavior, whole-file
// selection, and the pre-fetch/dedup-pass side calls.
type Config struct {
	Concurrency  int
	MaxRetries   int
	RetryDelay   time.Duration
	SystemPrompt string
	Model        string

	// WholeFile selects whole-file vs chunked extraction (default auto).
	// WholeFileCharBudget bounds how large a transcript auto mode will
	// still send as a single call.
	WholeFile           WholeFileMode
	WholeFileCharBudget int

	// WatchMode disables whole-file mode outright: a watcher re-ingests
	// the newly grown tail of a file, which is exactly what chunking
	// already isolates well, and a whole-file call would re-read content
	// already extracted on a prior tick.
	WatchMode bool

	NoPreFetch bool
	NoDedup    bool

	DB    PrefetchStore
	Embed EmbedFunc

	PrefetchMinActiveEntries int
	MaxPrefetchResults       int
	PrefetchSimThreshold     float64
	PrefetchTimeout          time.Duration

	// OnChunkComplete, if set, is called after each chunk (or the single
	// whole-file unit) finishes extraction, dedup pass included.
	OnChunkComplete func(ChunkCompletion)
}

// Extractor runs chunks through an llm.Provider concurrently.
type Extractor struct {
	provider llm.Provider
	cfg      Config

	mu              sync.Mutex
	interChunkDelay time.Duration
}

func New(provider llm.Provider, cfg Config) *Extractor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.WholeFile == "" {
		cfg.WholeFile = WholeFileAuto
	}
	if cfg.WholeFileCharBudget <= 0 {
		cfg.WholeFileCharBudget = 24000
	}
	if cfg.PrefetchMinActiveEntries <= 0 {
		cfg.PrefetchMinActiveEntries = 20
	}
	if cfg.MaxPrefetchResults <= 0 {
		cfg.MaxPrefetchResults = 5
	}
	if cfg.PrefetchSimThreshold <= 0 {
		cfg.PrefetchSimThreshold = 0.72
	}
	if cfg.PrefetchTimeout <= 0 {
		cfg.PrefetchTimeout = 2 * time.Second
	}
	return &Extractor{provider: provider, cfg: cfg, interChunkDelay: 0}
}

// Result pairs a chunk's source location with what it extracted, so
// callers can still dead-letter a failed chunk without losing successful
// siblings.
type Result struct {
	Chunk      parser.Chunk
	Candidates []Candidate
	Warnings   []string
	Err        error
}

// Input bundles a file's parsed messages (for whole-file mode) and its
// pre-built chunks (for chunked mode); Extract picks one of the two.
type Input struct {
	Messages []parser.Message
	Chunks   []parser.Chunk

	// ModeOverride, if non-empty, overrides cfg.WholeFile for this call
	// (e.g. the ingest CLI's --whole-file flag forcing a single file).
	ModeOverride WholeFileMode
}

// Extract dispatches to whole-file or chunked extraction per cfg.WholeFile
// (or in.ModeOverride), cfg.WatchMode, and the transcript's size.
func (x *Extractor) Extract(ctx context.Context, in Input) ([]Result, error) {
	mode := x.cfg.WholeFile
	if in.ModeOverride != "" {
		mode = in.ModeOverride
	}
	if x.useWholeFile(mode, in.Messages) {
		return x.runWholeFile(ctx, in.Messages)
	}
	return x.Run(ctx, in.Chunks)
}

func (x *Extractor) useWholeFile(mode WholeFileMode, msgs []parser.Message) bool {
	if x.cfg.WatchMode || len(msgs) == 0 {
		return false
	}
	switch mode {
	case WholeFileForce:
		return true
	case WholeFileNever:
		return false
	default:
		return totalChars(msgs) <= x.cfg.WholeFileCharBudget
	}
}

func totalChars(msgs []parser.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// runWholeFile makes a single extraction call over the whole transcript:
// no pre-fetch (the model already sees everything in the file) and no
// post-extraction dedup pass (a single call has no sibling chunk to
// duplicate against).
func (x *Extractor) runWholeFile(ctx context.Context, msgs []parser.Message) ([]Result, error) {
	chunk := parser.Chunk{Messages: msgs}
	if len(msgs) > 0 {
		chunk.ByteFrom = msgs[0].ByteFrom
		chunk.ByteTo = msgs[len(msgs)-1].ByteTo
	}
	start := time.Now()
	cands, warnings, err := x.extractChunk(ctx, chunk, false)
	if x.cfg.OnChunkComplete != nil {
		x.cfg.OnChunkComplete(ChunkCompletion{
			ChunkIndex: 0, TotalChunks: 1, Entries: cands, Warnings: warnings,
			EntriesExtracted: len(cands), Duration: time.Since(start),
		})
	}
	return []Result{{Chunk: chunk, Candidates: cands, Warnings: warnings, Err: err}}, nil
}

// Run extracts every chunk concurrently (bounded by cfg.Concurrency) and
// returns one Result per chunk, in the original order. A single chunk's
// failure never cancels its siblings — callers decide how to handle
// partial failure (e.g. dead-letter just that chunk).
func (x *Extractor) Run(ctx context.Context, chunks []parser.Chunk) ([]Result, error) {
	results := make([]Result, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, x.cfg.Concurrency)
	var cancelled atomic.Bool
	total := len(chunks)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				cancelled.Store(true)
				results[i] = Result{Chunk: c, Err: agerr.New(agerr.Cancelled, gctx.Err())}
				return nil
			}
			defer func() { <-sem }()

			x.mu.Lock()
			pause := x.interChunkDelay
			x.mu.Unlock()
			if pause > 0 {
				select {
				case <-time.After(pause):
				case <-gctx.Done():
				}
			}

			start := time.Now()
			cands, warnings, err := x.extractChunk(gctx, c, true)
			results[i] = Result{Chunk: c, Candidates: cands, Warnings: warnings, Err: err}
			if x.cfg.OnChunkComplete != nil {
				x.cfg.OnChunkComplete(ChunkCompletion{
					ChunkIndex: i, TotalChunks: total, Entries: cands, Warnings: warnings,
					EntriesExtracted: len(cands), Duration: time.Since(start),
				})
			}
			return nil // chunk errors are isolated in Result, never abort the group
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if cancelled.Load() && ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

// extractChunk runs one extraction call (with retry) over c. chunkedMode
// gates the two side calls that only make sense when c is one of several
// siblings: pre-fetching related memories to prime the prompt, and the
// post-extraction dedup pass over this chunk's own candidates.
func (x *Extractor) extractChunk(ctx context.Context, c parser.Chunk, chunkedMode bool) ([]Candidate, []string, error) {
	log := obs.Logger(ctx)
	var related []store.VectorSearchResult
	if chunkedMode {
		related = x.prefetchRelated(ctx, chunkText(c))
	}
	prompt := buildPrompt(c, related)
	msgs := []llm.Message{
		{Role: "system", Content: x.cfg.SystemPrompt},
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for attempt := 0; attempt <= x.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := x.backoffDelay(attempt)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("extractor_retry_backoff")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, agerr.New(agerr.Cancelled, ctx.Err())
			}
		}

		resp, err := x.provider.Chat(ctx, msgs, []llm.ToolSchema{extractionToolSchema}, x.cfg.Model)
		if err != nil {
			lastErr = agerr.New(classifyLLMError(err), err)
			if !agerr.IsTransient(lastErr) {
				return nil, nil, lastErr
			}
			x.adaptDelay(true)
			continue
		}
		x.adaptDelay(false)

		cands, perr := decodeResponse(resp)
		if perr != nil {
			lastErr = agerr.New(agerr.Parse, perr)
			continue
		}
		valid, warnings := validate(cands)
		if chunkedMode && !x.cfg.NoDedup && len(valid) >= 2 {
			if merged, derr := x.dedupPass(ctx, valid); derr == nil {
				valid = merged
			}
		}
		for i := range valid {
			valid[i].ByteFrom = c.ByteFrom
			valid[i].ByteTo = c.ByteTo
		}
		return valid, warnings, nil
	}
	return nil, nil, lastErr
}

// decodeResponse reads candidates from a tool-use call when the model
// used the declared extraction tool, falling back to parsing resp.Content
// as JSON text otherwise.
func decodeResponse(resp llm.Message) ([]Candidate, error) {
	if tc := findToolCall(resp.ToolCalls, extractionToolName); tc != nil {
		return parseToolArgs(tc.Args)
	}
	return parseEntries(resp.Content)
}

func findToolCall(calls []llm.ToolCall, name string) *llm.ToolCall {
	for i := range calls {
		if calls[i].Name == name {
			return &calls[i]
		}
	}
	return nil
}

// prefetchRelated best-effort embeds chunkText and queries the store for
// memories already on file, so the extraction prompt can avoid
// re-extracting what's already known. Any failure (embedding error,
// timeout, too few active entries to bother) yields an empty set rather
// than blocking or failing the chunk.
func (x *Extractor) prefetchRelated(ctx context.Context, text string) []store.VectorSearchResult {
	if x.cfg.NoPreFetch || x.cfg.DB == nil || x.cfg.Embed == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, x.cfg.PrefetchTimeout)
	defer cancel()

	n, err := x.cfg.DB.CountActive(pctx)
	if err != nil || n < x.cfg.PrefetchMinActiveEntries {
		return nil
	}
	vec, err := x.cfg.Embed(pctx, text)
	if err != nil {
		return nil
	}
	results, err := x.cfg.DB.VectorSearch(pctx, vec, x.cfg.MaxPrefetchResults)
	if err != nil {
		return nil
	}
	out := make([]store.VectorSearchResult, 0, len(results))
	for _, r := range results {
		if r.Score < x.cfg.PrefetchSimThreshold {
			continue
		}
		out = append(out, r)
		if len(out) >= x.cfg.MaxPrefetchResults {
			break
		}
	}
	return out
}

// dedupPass asks the model to merge near-duplicate candidates extracted
// from the same chunk, keeping the highest importance and the union of
// tags. Best-effort: any failure leaves the pre-dedup candidates as-is.
func (x *Extractor) dedupPass(ctx context.Context, cands []Candidate) ([]Candidate, error) {
	msgs := []llm.Message{
		{Role: "system", Content: dedupSystemPrompt},
		{Role: "user", Content: buildDedupPrompt(cands)},
	}
	resp, err := x.provider.Chat(ctx, msgs, nil, x.cfg.Model)
	if err != nil {
		return nil, err
	}
	merged, perr := parseEntries(resp.Content)
	if perr != nil || len(merged) == 0 {
		return nil, fmt.Errorf("extractor: dedup pass produced no usable entries")
	}
	return merged, nil
}

// backoffDelay applies full jitter to the configured base delay, doubling
// per attempt up to a ceiling.
func (x *Extractor) backoffDelay(attempt int) time.Duration {
	base := x.cfg.RetryDelay
	max := base * time.Duration(1<<uint(attempt))
	if max > 30*time.Second {
		max = 30 * time.Second
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// adaptDelay doubles the shared inter-chunk delay on a transient failure
// (429-class backpressure from the provider) and decays it by 10% on
// success, so sustained throttling slows the whole worker pool down rather
// than each goroutine retrying independently at full speed.
func (x *Extractor) adaptDelay(failed bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if failed {
		if x.interChunkDelay == 0 {
			x.interChunkDelay = 250 * time.Millisecond
		} else {
			x.interChunkDelay *= 2
		}
		if x.interChunkDelay > 10*time.Second {
			x.interChunkDelay = 10 * time.Second
		}
	} else if x.interChunkDelay > 0 {
		x.interChunkDelay = time.Duration(float64(x.interChunkDelay) * 0.9)
		if x.interChunkDelay < 50*time.Millisecond {
			x.interChunkDelay = 0
		}
	}
}

func classifyLLMError(err error) agerr.Kind {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporary", "rate limit", "too many requests", "503", "overloaded"} {
		if strings.Contains(msg, s) {
			return agerr.LLMTransient
		}
	}
	return agerr.LLMPermanent
}

const defaultSystemPrompt = `You extract durable, reusable knowledge from a coding-assistant transcript
chunk. Return a JSON array of objects, each with: type, subject, content,
canonical_key, importance (integer 1-10), tags (array of strings). Only include facts,
preferences, decisions, or todos that would still be useful in a future,
unrelated session. Return [] if nothing qualifies. A record_entries tool is
also available; call it with an "entries" array of the same shape instead of
writing the array as text if that's more natural.`

const dedupSystemPrompt = `You merge near-duplicate knowledge entries extracted from the same
transcript chunk. Combine any entries describing the same fact, preference, decision, or
todo into one, keeping the higher importance and the union of all tags. Return a JSON
array in the same shape as the input. Entries that duplicate nothing else pass through
unchanged.`

const extractionToolName = "record_entries"

var extractionToolSchema = llm.ToolSchema{
	Name:        extractionToolName,
	Description: "Record the durable knowledge entries extracted from this chunk.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entries": map[string]any{
				"type":        "array",
				"description": "One object per extracted entry: type, subject, content, canonical_key, importance (1-10), tags.",
				"items":       map[string]any{"type": "object"},
			},
		},
		"required": []string{"entries"},
	},
}

type dedupItem struct {
	Type         string   `json:"type"`
	Subject      string   `json:"subject"`
	Content      string   `json:"content"`
	CanonicalKey string   `json:"canonical_key"`
	Importance   int      `json:"importance"`
	Tags         []string `json:"tags"`
}

func buildDedupPrompt(cands []Candidate) string {
	items := make([]dedupItem, len(cands))
	for i, c := range cands {
		items[i] = dedupItem{
			Type: c.Type, Subject: c.Subject, Content: c.Content,
			CanonicalKey: c.CanonicalKey, Importance: c.Importance, Tags: c.Tags,
		}
	}
	raw, _ := json.Marshal(items)
	var sb strings.Builder
	sb.WriteString("Entries:\n")
	sb.Write(raw)
	return sb.String()
}

func chunkText(c parser.Chunk) string {
	var sb strings.Builder
	for _, m := range c.Messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func buildPrompt(c parser.Chunk, related []store.VectorSearchResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s\n\n", c.ContextHint)
	if len(related) > 0 {
		sb.WriteString("Related memories already on file (don't re-extract these verbatim):\n")
		for _, r := range related {
			fmt.Fprintf(&sb, "- [%s] %s\n", r.Entry.Subject, truncate(r.Entry.Content, 160))
		}
		sb.WriteString("\n")
	}
	for _, m := range c.Messages {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return sb.String()
}
