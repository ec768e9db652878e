package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agenr/internal/entry"
	"agenr/internal/llm"
	"agenr/internal/store"
	"agenr/internal/writequeue"
)

type fakeStore struct {
	byHash      map[string][]*entry.Entry
	byKey       map[string][]*entry.Entry
	neighbors   []store.VectorSearchResult
	inserted    []*entry.Entry
	reinforced  []string
	superseded  []string
	updated     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byHash: map[string][]*entry.Entry{}, byKey: map[string][]*entry.Entry{}}
}

func (f *fakeStore) GetActiveByContentHash(ctx context.Context, subject, hash string) ([]*entry.Entry, error) {
	return f.byHash[subject+"|"+hash], nil
}
func (f *fakeStore) GetActiveByCanonicalKey(ctx context.Context, subject, key string) ([]*entry.Entry, error) {
	return f.byKey[subject+"|"+key], nil
}
func (f *fakeStore) VectorSearchBySubject(ctx context.Context, subject string, query []float32, k int) ([]store.VectorSearchResult, error) {
	return f.neighbors, nil
}
func (f *fakeStore) InsertEntry(ctx context.Context, e *entry.Entry) error {
	f.inserted = append(f.inserted, e)
	return nil
}
func (f *fakeStore) UpdateContent(ctx context.Context, id, content, canonicalKey string, embedding []float32) error {
	f.updated = append(f.updated, id)
	return nil
}
func (f *fakeStore) MarkSuperseded(ctx context.Context, oldID, newID, reason string) error {
	f.superseded = append(f.superseded, oldID)
	return nil
}
func (f *fakeStore) Reinforce(ctx context.Context, id string, qualitySignal float64) error {
	f.reinforced = append(f.reinforced, id)
	return nil
}
func (f *fakeStore) AddSource(ctx context.Context, src entry.Source) error { return nil }

type fakeArbiter struct {
	reply string
}

func (a *fakeArbiter) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Content: a.reply}, nil
}
func (a *fakeArbiter) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func wqEntry(subject, content, canonicalKey string) writequeue.Entry {
	return writequeue.Entry{Item: &entry.Entry{ID: "new-1", Subject: subject, Content: content, CanonicalKey: canonicalKey, Embedding: []float32{1, 0, 0}}, SourceFile: "f.jsonl"}
}

func TestExactHashReinforces(t *testing.T) {
	fs := newFakeStore()
	fs.byHash["build|"+store.ContentHash("uses make")] = []*entry.Entry{{ID: "old-1"}}
	r := New(fs, nil, nil, Config{})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("build", "uses make", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Updated)
	require.Equal(t, []string{"old-1"}, fs.reinforced)
	require.Empty(t, fs.inserted)
}

func TestCanonicalKeySupersedes(t *testing.T) {
	fs := newFakeStore()
	fs.byKey["build|ci-cmd"] = []*entry.Entry{{ID: "old-2"}}
	r := New(fs, nil, nil, Config{})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("build", "now uses bazel", "ci-cmd")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Superseded)
	require.Equal(t, []string{"old-2"}, fs.superseded)
	require.Len(t, fs.inserted, 1)
}

func TestEmbeddingBandHighReinforces(t *testing.T) {
	fs := newFakeStore()
	fs.neighbors = []store.VectorSearchResult{{Entry: &entry.Entry{ID: "near-1"}, Score: 0.95}}
	r := New(fs, nil, nil, Config{})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("style", "tabs over spaces", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Updated)
	require.Equal(t, []string{"near-1"}, fs.reinforced)
}

func TestEmbeddingBandLowInsertsWithoutArbiter(t *testing.T) {
	fs := newFakeStore()
	fs.neighbors = []store.VectorSearchResult{{Entry: &entry.Entry{ID: "near-2"}, Score: 0.80}}
	r := New(fs, nil, nil, Config{}) // no arbiter configured

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("style", "tabs over spaces", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Added)
	require.Empty(t, fs.reinforced)
}

func TestEmbeddingBandMidRangeArbitratesSupersede(t *testing.T) {
	fs := newFakeStore()
	fs.neighbors = []store.VectorSearchResult{{Entry: &entry.Entry{ID: "near-3"}, Score: 0.80}}
	arbiter := &fakeArbiter{reply: `{"verdict":"SUPERSEDE","target_id":"near-3"}`}
	r := New(fs, nil, arbiter, Config{})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("style", "tabs over spaces", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Superseded)
	require.Equal(t, 1, out.LLMDedupCalls)
	require.Equal(t, []string{"near-3"}, fs.superseded)
}

func TestForceSkipsEmbeddingBand(t *testing.T) {
	fs := newFakeStore()
	fs.neighbors = []store.VectorSearchResult{{Entry: &entry.Entry{ID: "near-4"}, Score: 0.99}}
	r := New(fs, nil, nil, Config{Force: true})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("style", "tabs over spaces", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Added)
	require.Empty(t, fs.reinforced)
}

func TestNoNeighborsInsertsNew(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, nil, nil, Config{})

	out, err := r.ApplyBatch(context.Background(), []writequeue.Entry{wqEntry("misc", "brand new fact", "")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Added)
}
