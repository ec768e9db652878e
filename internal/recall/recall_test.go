package recall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agenr/internal/config"
	"agenr/internal/embedcache"
	"agenr/internal/entry"
	"agenr/internal/store"
)

type fakeStore struct {
	active    []*entry.Entry
	vecResult []store.VectorSearchResult
	ftsResult []store.FTSResult
	recalled  []string
}

func (f *fakeStore) ListActive(ctx context.Context, filter store.Filter) ([]*entry.Entry, error) {
	var out []*entry.Entry
	for _, e := range f.active {
		if filter.ExcludeContext != "" {
			skip := false
			for _, c := range e.SuppressedContexts {
				if c == filter.ExcludeContext {
					skip = true
				}
			}
			if skip {
				continue
			}
		}
		if filter.MinImportance > 0 && e.Importance < filter.MinImportance {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) VectorSearch(ctx context.Context, query []float32, k int) ([]store.VectorSearchResult, error) {
	return f.vecResult, nil
}

func (f *fakeStore) FTSSearch(ctx context.Context, query string, limit int) ([]store.FTSResult, error) {
	return f.ftsResult, nil
}

func (f *fakeStore) RecordRecall(ctx context.Context, id string) (*entry.Entry, error) {
	f.recalled = append(f.recalled, id)
	for _, e := range f.active {
		if e.ID == id {
			e.RecallCount++
			return e, nil
		}
	}
	for _, r := range f.vecResult {
		if r.Entry.ID == id {
			r.Entry.RecallCount++
			return r.Entry, nil
		}
	}
	return nil, nil
}

func mkEntry(id, typ string, importance int, updatedAt time.Time) *entry.Entry {
	return &entry.Entry{
		ID:         id,
		Type:       typ,
		Subject:    "sub",
		Content:    "content " + id,
		Importance: importance,
		Expiry:     entry.ExpiryPermanent,
		Scope:      "project",
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
}

func newEngine(st Store) *Engine {
	return New(st, embedcache.New(16), Config{
		Embedding: config.EmbeddingConfig{},
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{1, 0, 0, 0}, nil
		},
	})
}

func TestRunBrowseOrdersByImportanceAndRecency(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{active: []*entry.Entry{
		mkEntry("old-important", "fact", 9, now.AddDate(0, -3, 0)),
		mkEntry("new-minor", "fact", 2, now),
	}}
	e := newEngine(fs)

	results, err := e.Run(context.Background(), Query{Browse: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "old-important", results[0].Entry.ID)
	require.Empty(t, fs.recalled, "browse path must not record recall")
}

func TestRunSemanticComposesScoreAndRecordsRecall(t *testing.T) {
	now := time.Now().UTC()
	target := mkEntry("hit", "fact", 7, now.AddDate(0, 0, -1))
	fs := &fakeStore{
		vecResult: []store.VectorSearchResult{{Entry: target, Score: 0.9}},
		ftsResult: []store.FTSResult{{Entry: target, Score: 2.0}},
	}
	e := newEngine(fs)

	results, err := e.Run(context.Background(), Query{Text: "some query", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "hit", results[0].Entry.ID)
	require.Greater(t, results[0].Score, 0.0)
	require.Equal(t, []string{"hit"}, fs.recalled)
}

func TestRunSemanticNoUpdateSkipsBookkeeping(t *testing.T) {
	target := mkEntry("hit", "fact", 5, time.Now().UTC())
	fs := &fakeStore{vecResult: []store.VectorSearchResult{{Entry: target, Score: 0.5}}}
	e := newEngine(fs)

	_, err := e.Run(context.Background(), Query{Text: "q", NoUpdate: true})
	require.NoError(t, err)
	require.Empty(t, fs.recalled)
}

func TestRunContextOnlyExcludesSuppressedEntries(t *testing.T) {
	now := time.Now().UTC()
	visible := mkEntry("visible", "fact", 6, now)
	suppressed := mkEntry("suppressed", "fact", 6, now)
	suppressed.SuppressedContexts = []string{"standup"}
	fs := &fakeStore{active: []*entry.Entry{visible, suppressed}}
	e := newEngine(fs)

	results, err := e.Run(context.Background(), Query{Context: "standup", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "visible", results[0].Entry.ID)
}

func TestRunRejectsSinceAfterUntil(t *testing.T) {
	e := newEngine(&fakeStore{})
	_, err := e.Run(context.Background(), Query{Browse: true, Since: "1d", Until: "7d"})
	require.Error(t, err)
}

func TestRunRejectsInvalidDate(t *testing.T) {
	e := newEngine(&fakeStore{})
	_, err := e.Run(context.Background(), Query{Browse: true, Since: "not-a-date"})
	require.Error(t, err)
}

func TestTodoStalenessDecaysTowardFloor(t *testing.T) {
	now := time.Now().UTC()
	stale := mkEntry("stale-todo", "todo", 8, now.AddDate(0, 0, -60))
	fresh := mkEntry("fresh-todo", "todo", 8, now)

	require.Less(t, todoStalenessTerm(stale, now), todoStalenessTerm(fresh, now))
	require.GreaterOrEqual(t, todoStalenessTerm(stale, now), 0.1+0.05*1.0)
}

func TestContradictionPenaltyAppliesAtTwo(t *testing.T) {
	require.Equal(t, 1.0, contradictionTerm(0))
	require.Equal(t, 1.0, contradictionTerm(1))
	require.Equal(t, 0.8, contradictionTerm(2))
}

func TestRunAroundRanksNearDateAboveHigherCosineFarDate(t *testing.T) {
	now := time.Now().UTC()
	near := mkEntry("near", "fact", 6, now)
	far := mkEntry("far", "fact", 6, now.AddDate(0, 0, -10))
	fs := &fakeStore{vecResult: []store.VectorSearchResult{
		{Entry: near, Score: 0.5},
		{Entry: far, Score: 0.95},
	}}
	e := newEngine(fs)

	results, err := e.Run(context.Background(), Query{Text: "q", Around: "0d", AroundRadius: 3, NoUpdate: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	var nearScore, farScore float64
	for _, r := range results {
		switch r.Entry.ID {
		case "near":
			nearScore = r.Score
		case "far":
			farScore = r.Score
		}
	}
	require.Greater(t, nearScore, farScore, "an entry near the requested date should outrank one 10 days away despite lower raw similarity")
}

func TestGaussianAroundTermUsesEntryTimestampNotEffectiveNow(t *testing.T) {
	around := time.Now().UTC()
	onDate := mkEntry("on-date", "fact", 5, around)
	tenDaysOut := mkEntry("ten-days-out", "fact", 5, around.AddDate(0, 0, -10))

	require.Equal(t, 1.0, gaussianAroundTerm(onDate, &around, 3))
	require.Less(t, gaussianAroundTerm(tenDaysOut, &around, 3), 0.1)
}

func TestFreshnessBoostDecaysWithAge(t *testing.T) {
	now := time.Now().UTC()
	important := mkEntry("imp", "fact", 8, now)
	require.Equal(t, 1.5, freshnessTerm(important, now))
	require.Equal(t, 1.0, freshnessTerm(important, now.Add(48*time.Hour)))

	minor := mkEntry("minor", "fact", 3, now)
	require.Equal(t, 1.0, freshnessTerm(minor, now))
}
