// Package ingestdriver orchestrates a full ingest run: PID-file health
// check, ascending-size file expansion, per-file hash/skip/force handling,
// parser -> extractor -> write-queue wiring, retry rounds, and watch-state
// byte-offset sync.
package ingestdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agenr/internal/agerr"
	"agenr/internal/entry"
	"agenr/internal/extractor"
	"agenr/internal/metrics"
	"agenr/internal/obs"
	"agenr/internal/parser"
	"agenr/internal/pidfile"
	"agenr/internal/store"
	"agenr/internal/watchstate"
	"agenr/internal/writequeue"
)

// Options mirrors the `ingest` subcommand's flags.
type Options struct {
	Glob            string
	Platform        string
	Verbose         bool
	DryRun          bool
	SkipIngested    bool
	Retry           bool
	MaxRetries      int
	Force           bool
	ChunkCharBudget int
	WatcherPIDPath  string

	// WholeFile forces single-call, non-chunked extraction for every file
	// in this run (the `ingest --whole-file` flag). WatchMode marks a run
	// driven by the `watch` poller, which always extracts chunk by chunk
	// since it only ever sees a file's newly grown tail.
	WholeFile bool
	WatchMode bool

	// OnFileDone, if set, is called once per file after each attempt
	// (including retry-round re-attempts), for progress reporting.
	OnFileDone func(FileResult)
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ChunkCharBudget <= 0 {
		o.ChunkCharBudget = 12000
	}
}

// FileResult is one file's outcome, surfaced in the user-visible summary.
type FileResult struct {
	Path              string
	Skipped           bool
	Failed            bool
	Reason            string
	EntriesExtracted  int
	EntriesStored     int
	EntriesReinforced int
	EntriesSuperseded int
}

// Summary aggregates a full Run.
type Summary struct {
	FilesProcessed        int
	TotalEntriesExtracted int
	TotalEntriesStored    int
	Files                 []FileResult
	Failed                []FileResult
	Aborted               bool
}

// ExitCode maps a Summary to the process exit code spec.md defines: 0 all
// succeeded, 1 partial success with failures, 2 nothing processed.
func (s Summary) ExitCode() int {
	if s.Aborted {
		return 130
	}
	if len(s.Files) == 0 {
		return 2
	}
	if len(s.Failed) == 0 {
		return 0
	}
	if len(s.Failed) == len(s.Files) {
		return 2
	}
	return 1
}

// Driver wires together the store, write queue, and extractor for one
// ingest invocation.
type Driver struct {
	store     *store.Store
	queue     *writequeue.Queue
	extractor *extractor.Extractor
	watch     *watchstate.State
	shutdown  func() bool
	metrics   *metrics.Registry
}

// New builds a Driver from already-constructed collaborators.
func New(st *store.Store, queue *writequeue.Queue, ex *extractor.Extractor, watch *watchstate.State, shutdown func() bool) *Driver {
	if shutdown == nil {
		shutdown = func() bool { return false }
	}
	return &Driver{store: st, queue: queue, extractor: ex, watch: watch, shutdown: shutdown}
}

// SetMetrics attaches a registry the driver reports file/entry counters to.
func (d *Driver) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// Run expands paths, refuses to proceed if a watcher owns the lock,
// processes every file (with retry rounds), and returns the aggregate
// Summary.
func (d *Driver) Run(ctx context.Context, paths []string, opts Options) (Summary, error) {
	opts.applyDefaults()
	log := obs.Logger(ctx)

	if opts.WatcherPIDPath != "" {
		if pid, alive := pidfile.CheckRunning(opts.WatcherPIDPath); alive {
			return Summary{}, agerr.New(agerr.Config, fmt.Errorf("a watcher process (pid %d) already holds the write lock", pid))
		}
	}

	files, err := expand(paths, opts.Glob)
	if err != nil {
		return Summary{}, agerr.New(agerr.IO, err)
	}

	pending := files
	latest := map[string]FileResult{} // last attempt's outcome per path, across retry rounds
	maxRounds := 1
	if opts.Retry {
		maxRounds += opts.MaxRetries
	}
	sleeps := []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

	var summary Summary
	for round := 0; round < maxRounds && len(pending) > 0; round++ {
		if round > 0 {
			delay := sleeps[len(sleeps)-1]
			if round-1 < len(sleeps) {
				delay = sleeps[round-1]
			}
			log.Info().Int("round", round).Dur("delay", delay).Int("files_remaining", len(pending)).Msg("ingest_retry_round")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				summary.Aborted = true
				return summary, nil
			}
		}

		var nextPending []string
		for _, path := range pending {
			if d.shutdown() {
				summary.Aborted = true
				return summary, nil
			}
			res := d.processFile(ctx, path, opts)
			latest[path] = res
			summary.TotalEntriesExtracted += res.EntriesExtracted
			summary.TotalEntriesStored += res.EntriesStored
			d.recordFileMetrics(res)
			if opts.OnFileDone != nil {
				opts.OnFileDone(res)
			}
			if res.Failed {
				nextPending = append(nextPending, path)
			}
		}
		pending = nextPending
	}

	for _, path := range files {
		res := latest[path]
		summary.Files = append(summary.Files, res)
		if res.Failed {
			summary.Failed = append(summary.Failed, res)
		}
	}
	summary.FilesProcessed = len(summary.Files)
	return summary, nil
}

// recordFileMetrics reports one attempt's outcome to the driver's metrics
// registry, if one is attached. Retried files contribute once per attempt,
// mirroring how Summary's own totals accumulate across retry rounds.
func (d *Driver) recordFileMetrics(res FileResult) {
	if d.metrics == nil {
		return
	}
	switch {
	case res.Skipped:
		d.metrics.FilesSkipped.Inc()
		return
	case res.Failed:
		d.metrics.FilesFailed.Inc()
	default:
		d.metrics.FilesIngested.Inc()
	}
	d.metrics.EntriesExtracted.Add(float64(res.EntriesExtracted))
	d.metrics.EntriesStored.Add(float64(res.EntriesStored))
	d.metrics.EntriesReinforced.Add(float64(res.EntriesReinforced))
	d.metrics.EntriesSuperseded.Add(float64(res.EntriesSuperseded))
}

func (d *Driver) processFile(ctx context.Context, path string, opts Options) FileResult {
	res := FileResult{Path: path}
	log := obs.Logger(ctx)

	raw, err := os.ReadFile(path)
	if err != nil {
		res.Failed = true
		res.Reason = err.Error()
		return res
	}
	hash := store.ContentHash(string(raw))

	prevHash, err := d.store.PreviousIngestHash(ctx, path)
	if err != nil {
		res.Failed = true
		res.Reason = fmt.Sprintf("ingest log lookup: %v", err)
		return res
	}
	alreadyIngested := prevHash == hash || (opts.SkipIngested && prevHash != "")
	if alreadyIngested && !opts.Force {
		res.Skipped = true
		return res
	}

	if opts.Force {
		if opts.DryRun {
			n, err := d.store.CountOwnedByPath(ctx, path)
			if err == nil {
				log.Info().Str("path", path).Int("would_delete", n).Msg("ingest_dry_run_force")
			}
		} else {
			if err := d.queue.RunExclusive(ctx, func(ctx context.Context) error {
				_, err := d.store.DeletePath(ctx, path)
				return err
			}); err != nil {
				res.Failed = true
				res.Reason = fmt.Sprintf("force cleanup: %v", err)
				return res
			}
		}
	}

	msgs, warnings, err := parser.Parse(path)
	if err != nil {
		res.Failed = true
		res.Reason = fmt.Sprintf("parse: %v", err)
		return res
	}
	for _, w := range warnings {
		log.Warn().Str("path", path).Str("warning", w).Msg("ingest_parse_warning")
	}
	if len(msgs) == 0 {
		res.Skipped = true
		return res
	}

	chunks := parser.Chunks(msgs, opts.ChunkCharBudget, filepath.Base(path))
	in := extractor.Input{Messages: msgs, Chunks: chunks}
	if opts.WatchMode {
		in.ModeOverride = extractor.WholeFileNever
	} else if opts.WholeFile {
		in.ModeOverride = extractor.WholeFileForce
	}
	results, err := d.extractor.Extract(ctx, in)
	if err != nil {
		res.Failed = true
		res.Reason = fmt.Sprintf("extract: %v", err)
		return res
	}

	successfulChunks := 0
	var storedIDs []string
	for _, cr := range results {
		if cr.Err != nil {
			log.Warn().Str("path", path).Err(cr.Err).Msg("ingest_chunk_failed")
			continue
		}
		successfulChunks++
		res.EntriesExtracted += len(cr.Candidates)
		if len(cr.Candidates) == 0 {
			continue
		}

		items := make([]writequeue.Entry, 0, len(cr.Candidates))
		for _, c := range cr.Candidates {
			items = append(items, writequeue.Entry{
				Item: &entry.Entry{
					ID:           uuid.NewString(),
					Type:         c.Type,
					Subject:      c.Subject,
					Content:      c.Content,
					CanonicalKey: c.CanonicalKey,
					Importance:   c.Importance,
					Expiry:       entry.ExpiryPermanent,
					Scope:        "private",
					Platform:     opts.Platform,
					Tags:         c.Tags,
					CreatedAt:    time.Now().UTC(),
					UpdatedAt:    time.Now().UTC(),
				},
				SourceFile:  path,
				ContentHash: store.ContentHash(c.Content),
			})
		}

		if opts.DryRun {
			res.EntriesStored += len(items)
			continue
		}

		outcome, err := d.queue.Push(ctx, items)
		if err != nil {
			res.Failed = true
			res.Reason = fmt.Sprintf("write queue: %v", err)
			return res
		}
		res.EntriesStored += outcome.Added
		res.EntriesReinforced += outcome.Updated
		res.EntriesSuperseded += outcome.Superseded
		if d.metrics != nil {
			d.metrics.DedupLLMCalls.Add(float64(outcome.LLMDedupCalls))
		}
		for _, it := range items {
			storedIDs = append(storedIDs, it.Item.ID)
		}
	}

	if successfulChunks == 0 {
		res.Failed = true
		res.Reason = "all chunks failed"
		return res
	}
	if res.EntriesStored == 0 && res.EntriesReinforced == 0 && res.EntriesSuperseded == 0 {
		// nothing survived validation/dedup; still a legitimate outcome, not a failure
		return res
	}

	if !opts.DryRun {
		if err := d.store.RecordIngestedFile(ctx, path, hash); err != nil {
			res.Failed = true
			res.Reason = fmt.Sprintf("record ingest log: %v", err)
			return res
		}
		if len(storedIDs) > 1 {
			_ = d.queue.RunExclusive(ctx, func(ctx context.Context) error {
				return d.store.RecordCoRecall(ctx, storedIDs)
			})
		}
	}

	if d.watch != nil && strings.EqualFold(filepath.Ext(path), ".jsonl") {
		info, statErr := os.Stat(path)
		if statErr == nil {
			_ = d.watch.Advance(path, info.Size(), info.Size(), opts.Force)
		}
	}

	return res
}

// expand turns paths (files or directories) into a flat, ascending-by-size
// file list; directories are walked with pattern applied against the base
// name (default "*", i.e. every regular file).
func expand(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			ok, err := filepath.Match(pattern, de.Name())
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, filepath.Join(p, de.Name()))
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		si, _ := os.Stat(out[i])
		sj, _ := os.Stat(out[j])
		var szi, szj int64
		if si != nil {
			szi = si.Size()
		}
		if sj != nil {
			szj = sj.Size()
		}
		return szi < szj
	})
	return out, nil
}
