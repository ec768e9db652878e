package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"agenr/internal/entry"
	"agenr/internal/llm"
	"agenr/internal/parser"
	"agenr/internal/store"
)

type stubProvider struct {
	replies   []string
	toolCalls [][]llm.ToolCall // if set for an index, takes priority over replies
	calls     atomic.Int64
	err       error
}

func (s *stubProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	n := s.calls.Add(1) - 1
	if s.err != nil {
		return llm.Message{}, s.err
	}
	idx := int(n)
	if idx < len(s.toolCalls) && s.toolCalls[idx] != nil {
		msg := llm.Message{Role: "assistant", ToolCalls: s.toolCalls[idx]}
		if idx < len(s.replies) {
			msg.Content = s.replies[idx]
		}
		return msg, nil
	}
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return llm.Message{Role: "assistant", Content: s.replies[idx]}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func chunkOf(text string) parser.Chunk {
	return parser.Chunk{Messages: []parser.Message{{Role: "user", Content: text, ByteFrom: 0, ByteTo: int64(len(text))}}, ContextHint: "t.jsonl"}
}

func TestRunParsesValidEntries(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`Sure, here you go: [{"type":"fact","subject":"build","content":"the project uses make, not bazel","importance":7,"tags":["ci"]}]`,
	}}
	x := New(stub, Config{Concurrency: 2})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Candidates, 1)
	require.Equal(t, "the project uses make, not bazel", results[0].Candidates[0].Content)
	require.Equal(t, "build:the project uses make, not bazel", results[0].Candidates[0].CanonicalKey)
}

func TestRunHandlesSynonymKeys(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"kind":"preference","topic":"style","text":"strongly prefers tabs over spaces","weight":9}]`,
	}}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Len(t, results[0].Candidates, 1)
	require.Equal(t, "preference", results[0].Candidates[0].Type)
	require.Equal(t, "strongly prefers tabs over spaces", results[0].Candidates[0].Content)
}

func TestRunRejectsLowImportanceAndShortContent(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"fact","subject":"build","content":"a perfectly long enough piece of content","importance":2},
		  {"type":"fact","subject":"build","content":"too short","importance":8},
		  {"type":"fact","subject":"assistant","content":"a perfectly long enough piece of content","importance":8}]`,
	}}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Empty(t, results[0].Candidates)
	require.Len(t, results[0].Warnings, 3)
}

func TestRunEmptyArrayYieldsNoCandidates(t *testing.T) {
	stub := &stubProvider{replies: []string{"[]"}}
	x := New(stub, Config{})
	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("nothing interesting")})
	require.NoError(t, err)
	require.Empty(t, results[0].Candidates)
}

func TestRunPermanentErrorIsNotRetried(t *testing.T) {
	stub := &stubProvider{err: fmt.Errorf("invalid api key")}
	x := New(stub, Config{MaxRetries: 5})
	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hi")})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	require.Equal(t, int64(1), stub.calls.Load(), "permanent errors should not be retried")
}

func TestRunIsolatesPerChunkFailure(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"fact","subject":"a","content":"first"}]`,
		`not json at all`,
		`[{"type":"fact","subject":"c","content":"third"}]`,
	}}
	x := New(stub, Config{Concurrency: 1, MaxRetries: 0})
	chunks := []parser.Chunk{chunkOf("one"), chunkOf("two"), chunkOf("three")}
	results, err := x.Run(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
}

func TestExtractParsesToolUseResponse(t *testing.T) {
	args, err := json.Marshal(map[string]any{
		"entries": []map[string]any{
			{"type": "fact", "subject": "build", "content": "the project uses make, not bazel", "importance": 7, "tags": []string{"ci"}},
		},
	})
	require.NoError(t, err)
	stub := &stubProvider{toolCalls: [][]llm.ToolCall{
		{{Name: extractionToolName, Args: args}},
	}}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Len(t, results[0].Candidates, 1)
	require.Equal(t, "the project uses make, not bazel", results[0].Candidates[0].Content)
}

func TestExtractPrefersToolCallOverContentWhenBothPresent(t *testing.T) {
	args, err := json.Marshal(map[string]any{
		"entries": []map[string]any{
			{"type": "fact", "subject": "tool-path", "content": "came from the tool call, not the text", "importance": 7},
		},
	})
	require.NoError(t, err)
	stub := &stubProvider{
		toolCalls: [][]llm.ToolCall{
			{{Name: extractionToolName, Args: args}},
		},
		replies: []string{
			`[{"type":"fact","subject":"text-path","content":"came from the text reply, not the tool call","importance":7}]`,
		},
	}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Len(t, results[0].Candidates, 1)
	require.Equal(t, "tool-path", results[0].Candidates[0].Subject)
}

func TestExtractWholeFileModeMakesSingleCallAndSkipsDedup(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"fact","subject":"a","content":"a perfectly long enough piece of content one"},
		  {"type":"fact","subject":"b","content":"a perfectly long enough piece of content two"}]`,
	}}
	x := New(stub, Config{WholeFile: WholeFileForce})

	var completions []ChunkCompletion
	x.cfg.OnChunkComplete = func(c ChunkCompletion) { completions = append(completions, c) }

	msgs := []parser.Message{
		{Role: "user", Content: "first message", ByteFrom: 0, ByteTo: 13},
		{Role: "assistant", Content: "second message", ByteFrom: 13, ByteTo: 28},
	}
	results, err := x.Extract(context.Background(), Input{Messages: msgs})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Candidates, 2)
	require.Equal(t, int64(1), stub.calls.Load(), "whole-file mode should make exactly one model call")

	require.Len(t, completions, 1)
	require.Equal(t, 1, completions[0].TotalChunks)
	require.Equal(t, 2, completions[0].EntriesExtracted)
}

func TestExtractAutoWholeFileFallsBackToChunkedWhenOverBudget(t *testing.T) {
	stub := &stubProvider{replies: []string{"[]"}}
	x := New(stub, Config{WholeFile: WholeFileAuto, WholeFileCharBudget: 5})

	msgs := []parser.Message{{Role: "user", Content: "this message is longer than the budget", ByteFrom: 0, ByteTo: 40}}
	chunks := []parser.Chunk{chunkOf("this message is longer than the budget")}

	results, err := x.Extract(context.Background(), Input{Messages: msgs, Chunks: chunks})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestExtractWatchModeNeverUsesWholeFile(t *testing.T) {
	stub := &stubProvider{replies: []string{"[]", "[]"}}
	x := New(stub, Config{WholeFile: WholeFileForce, WatchMode: true})

	msgs := []parser.Message{{Role: "user", Content: "short", ByteFrom: 0, ByteTo: 5}}
	chunks := []parser.Chunk{chunkOf("short"), chunkOf("short2")}

	_, err := x.Extract(context.Background(), Input{Messages: msgs, Chunks: chunks})
	require.NoError(t, err)
	require.Equal(t, int64(2), stub.calls.Load(), "watch mode must go through chunked extraction, not whole-file")
}

type fakePrefetchStore struct {
	active       int
	activeErr    error
	searchResult []store.VectorSearchResult
	searchErr    error
}

func (f *fakePrefetchStore) CountActive(ctx context.Context) (int, error) {
	return f.active, f.activeErr
}

func (f *fakePrefetchStore) VectorSearch(ctx context.Context, query []float32, k int) ([]store.VectorSearchResult, error) {
	return f.searchResult, f.searchErr
}

func TestPrefetchRelatedSkipsBelowActiveEntryThreshold(t *testing.T) {
	x := New(&stubProvider{}, Config{
		DB:                       &fakePrefetchStore{active: 3},
		Embed:                    func(ctx context.Context, text string) ([]float32, error) { return []float32{0.1}, nil },
		PrefetchMinActiveEntries: 20,
	})
	got := x.prefetchRelated(context.Background(), "some chunk text")
	require.Empty(t, got)
}

func TestPrefetchRelatedReturnsEmptyOnEmbedError(t *testing.T) {
	x := New(&stubProvider{}, Config{
		DB:                       &fakePrefetchStore{active: 50},
		Embed:                    func(ctx context.Context, text string) ([]float32, error) { return nil, fmt.Errorf("embed failed") },
		PrefetchMinActiveEntries: 20,
	})
	got := x.prefetchRelated(context.Background(), "some chunk text")
	require.Empty(t, got)
}

func TestPrefetchRelatedFiltersBySimilarityAndCaps(t *testing.T) {
	related := []store.VectorSearchResult{
		{Entry: &entry.Entry{ID: "1", Subject: "keep-1", Content: "high similarity match one"}, Score: 0.9},
		{Entry: &entry.Entry{ID: "2", Subject: "drop", Content: "too dissimilar"}, Score: 0.3},
		{Entry: &entry.Entry{ID: "3", Subject: "keep-2", Content: "high similarity match two"}, Score: 0.8},
	}
	x := New(&stubProvider{}, Config{
		DB:                       &fakePrefetchStore{active: 50, searchResult: related},
		Embed:                    func(ctx context.Context, text string) ([]float32, error) { return []float32{0.1}, nil },
		PrefetchMinActiveEntries: 20,
		PrefetchSimThreshold:     0.72,
		MaxPrefetchResults:       5,
	})
	got := x.prefetchRelated(context.Background(), "some chunk text")
	require.Len(t, got, 2)
	require.Equal(t, "keep-1", got[0].Entry.Subject)
	require.Equal(t, "keep-2", got[1].Entry.Subject)
}

func TestPrefetchRelatedDisabledByNoPreFetch(t *testing.T) {
	x := New(&stubProvider{}, Config{
		NoPreFetch:               true,
		DB:                       &fakePrefetchStore{active: 50},
		Embed:                    func(ctx context.Context, text string) ([]float32, error) { return []float32{0.1}, nil },
		PrefetchMinActiveEntries: 20,
	})
	got := x.prefetchRelated(context.Background(), "some chunk text")
	require.Empty(t, got)
}

func TestDedupPassMergesCandidatesAndIsExercisedWhenTwoOrMoreValid(t *testing.T) {
	stub := &stubProvider{replies: []string{
		// first call: the extraction response with two near-duplicate candidates
		`[{"type":"preference","subject":"style","content":"strongly prefers tabs over spaces","importance":6,"tags":["editor"]},
		  {"type":"preference","subject":"style","content":"strongly prefers tabs, dislikes spaces","importance":9,"tags":["formatting"]}]`,
		// second call: the dedup pass merging them into one
		`[{"type":"preference","subject":"style","content":"strongly prefers tabs over spaces","importance":9,"tags":["editor","formatting"]}]`,
	}}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Equal(t, int64(2), stub.calls.Load(), "two or more surviving candidates should trigger the dedup pass")
	require.Len(t, results[0].Candidates, 1)
	require.Equal(t, 9, results[0].Candidates[0].Importance)
	require.ElementsMatch(t, []string{"editor", "formatting"}, results[0].Candidates[0].Tags)
}

func TestDedupPassSkippedWhenNoDedupSet(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"preference","subject":"style","content":"strongly prefers tabs over spaces","importance":6},
		  {"type":"preference","subject":"style","content":"strongly prefers tabs, dislikes spaces","importance":9}]`,
	}}
	x := New(stub, Config{NoDedup: true})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Equal(t, int64(1), stub.calls.Load(), "NoDedup should skip the second dedup call")
	require.Len(t, results[0].Candidates, 2)
}

func TestDedupPassSkippedWithFewerThanTwoCandidates(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"fact","subject":"build","content":"the project uses make, not bazel","importance":7}]`,
	}}
	x := New(stub, Config{})

	results, err := x.Run(context.Background(), []parser.Chunk{chunkOf("hello")})
	require.NoError(t, err)
	require.Equal(t, int64(1), stub.calls.Load())
	require.Len(t, results[0].Candidates, 1)
}

func TestOnChunkCompleteFiresPerChunkInChunkedMode(t *testing.T) {
	stub := &stubProvider{replies: []string{
		`[{"type":"fact","subject":"a","content":"a perfectly long enough piece of content"}]`,
		`[]`,
	}}
	x := New(stub, Config{Concurrency: 1, MaxRetries: 0})

	var mu sync.Mutex
	seen := map[int]ChunkCompletion{}
	x.cfg.OnChunkComplete = func(c ChunkCompletion) {
		mu.Lock()
		defer mu.Unlock()
		seen[c.ChunkIndex] = c
	}

	chunks := []parser.Chunk{chunkOf("one"), chunkOf("two")}
	_, err := x.Run(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, 2, seen[0].TotalChunks)
	require.Equal(t, 1, seen[0].EntriesExtracted)
	require.Equal(t, 0, seen[1].EntriesExtracted)
}
