package ingestdriver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agenr/internal/entry"
	"agenr/internal/extractor"
	"agenr/internal/llm"
	"agenr/internal/store"
	"agenr/internal/watchstate"
	"agenr/internal/writequeue"
)

type stubProvider struct {
	reply string
}

func (s *stubProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: s.reply}, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

type directReconciler struct {
	st *store.Store
}

func (r *directReconciler) ApplyBatch(ctx context.Context, items []writequeue.Entry) (writequeue.BatchOutcome, error) {
	var out writequeue.BatchOutcome
	for _, it := range items {
		if err := r.st.InsertEntry(ctx, it.Item); err != nil {
			return out, err
		}
		out.Added++
	}
	return out, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "agenr.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newDriver(t *testing.T, st *store.Store, reply string) *Driver {
	t.Helper()
	q := writequeue.New(writequeue.Config{BatchSize: 1}, &directReconciler{st: st})
	t.Cleanup(q.Destroy)
	ex := extractor.New(&stubProvider{reply: reply}, extractor.Config{Concurrency: 1})
	return New(st, q, ex, nil, nil)
}

func writeTranscript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleTranscript = `{"role":"user","content":"what build tool do we use"}
{"role":"assistant","content":"the project always uses make for builds, never bazel, importance 8"}
`

func TestRunIngestsNewFileAndSkipsOnReingest(t *testing.T) {
	st := openTestStore(t)
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)
	reply := `[{"type":"fact","subject":"build","content":"the project always uses make for builds, never bazel","importance":8}]`
	d := newDriver(t, st, reply)

	summary, err := d.Run(context.Background(), []string{path}, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, summary.ExitCode())
	require.Equal(t, 1, summary.TotalEntriesStored)
	require.Empty(t, summary.Failed)

	summary2, err := d.Run(context.Background(), []string{path}, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, summary2.ExitCode())
	require.Equal(t, 0, summary2.TotalEntriesStored)
	require.True(t, summary2.Files[0].Skipped)
}

func TestRunDryRunDoesNotPersist(t *testing.T) {
	st := openTestStore(t)
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)
	reply := `[{"type":"fact","subject":"build","content":"the project always uses make for builds, never bazel","importance":8}]`
	d := newDriver(t, st, reply)

	summary, err := d.Run(context.Background(), []string{path}, Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalEntriesStored)

	prevHash, err := st.PreviousIngestHash(context.Background(), path)
	require.NoError(t, err)
	require.Empty(t, prevHash, "dry run must not record the ingest log")
}

func TestRunFailedFileDoesNotRecordIngestLog(t *testing.T) {
	st := openTestStore(t)
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)
	d := newDriver(t, st, "not json at all")

	summary, err := d.Run(context.Background(), []string{path}, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.ExitCode())
	require.Len(t, summary.Failed, 1)

	prevHash, err := st.PreviousIngestHash(context.Background(), path)
	require.NoError(t, err)
	require.Empty(t, prevHash)
}

func TestRunForceDryRunReportsWithoutDeleting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)

	existing := &entry.Entry{ID: "e1", Type: "fact", Subject: "build", Content: "old fact", Expiry: entry.ExpiryPermanent, Scope: "private"}
	require.NoError(t, st.InsertEntry(ctx, existing))
	require.NoError(t, st.AddSource(ctx, entry.Source{EntryID: "e1", FilePath: path}))
	require.NoError(t, st.RecordIngestedFile(ctx, path, "oldhash"))

	d := newDriver(t, st, `[]`)
	_, err := d.Run(ctx, []string{path}, Options{Force: true, DryRun: true})
	require.NoError(t, err)

	got, err := st.GetByID(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got, "dry run force must not delete")
}

func TestRunAdvancesWatchStateOffset(t *testing.T) {
	st := openTestStore(t)
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)
	reply := `[{"type":"fact","subject":"build","content":"the project always uses make for builds, never bazel","importance":8}]`

	q := writequeue.New(writequeue.Config{BatchSize: 1}, &directReconciler{st: st})
	t.Cleanup(q.Destroy)
	ex := extractor.New(&stubProvider{reply: reply}, extractor.Config{Concurrency: 1})
	ws, err := watchstate.Load(filepath.Join(t.TempDir(), "watch.json"))
	require.NoError(t, err)
	d := New(st, q, ex, ws, nil)

	_, err = d.Run(context.Background(), []string{path}, Options{})
	require.NoError(t, err)

	info, statErr := os.Stat(path)
	require.NoError(t, statErr)
	require.Equal(t, info.Size(), ws.Get(path).ByteOffset)
}

func TestRunRefusesWhenWatcherHoldsLock(t *testing.T) {
	st := openTestStore(t)
	path := writeTranscript(t, "chat.jsonl", sampleTranscript)
	pidPath := filepath.Join(t.TempDir(), "watch.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("1"), 0o644))

	d := newDriver(t, st, `[]`)
	_, err := d.Run(context.Background(), []string{path}, Options{WatcherPIDPath: pidPath})
	require.Error(t, err)
}

func TestExpandOrdersFilesAscendingBySize(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "a.jsonl")
	big := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(small, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(big, []byte("xxxxxxxxxx"), 0o644))

	files, err := expand([]string{dir}, "*.jsonl")
	require.NoError(t, err)
	require.Equal(t, []string{small, big}, files)
}
