package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"agenr/internal/config"
	"agenr/internal/ingestdriver"
	"agenr/internal/obs"
	"agenr/internal/watchstate"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	glob := fs.String("glob", "*", "file-name pattern applied when a path is a directory")
	dbPath := fs.String("db", "", "override the store path")
	model := fs.String("model", "", "override the chat model")
	provider := fs.String("provider", "", "override the llm provider (anthropic|openai)")
	platform := fs.String("platform", "", "source platform label recorded on every stored entry")
	verbose := fs.Bool("verbose", false, "verbose logging")
	dryRun := fs.Bool("dry-run", false, "report what would happen without writing anything")
	jsonOut := fs.Bool("json", false, "emit the summary as JSON")
	concurrency := fs.Int("concurrency", 0, "chunk extraction concurrency")
	workers := fs.Int("workers", 0, "files processed in parallel (unused: files are processed sequentially in this build)")
	queueHighWatermark := fs.Int("queue-high-watermark", 0, "write queue backpressure threshold")
	queueBackpressureMs := fs.Int("queue-backpressure-timeout-ms", 0, "write queue backpressure timeout in milliseconds")
	skipIngested := fs.Bool("skip-ingested", false, "skip files already recorded in the ingest log regardless of hash")
	_ = fs.Bool("bulk", false, "accept large batches without per-file confirmation (no-op: agenr never prompts)")
	retry := fs.Bool("retry", true, "retry failed files across rounds")
	noRetry := fs.Bool("no-retry", false, "disable retry rounds")
	maxRetries := fs.Int("max-retries", 0, "maximum retry rounds")
	force := fs.Bool("force", false, "delete and re-ingest rows already owned by each path")
	wholeFile := fs.Bool("whole-file", false, "extract from the whole file instead of chunking")
	_ = fs.Bool("chunk", true, "accepted for compatibility; has no effect (without --whole-file, each file is extracted whole or chunk by chunk depending on its size)")
	_ = workers
	if err := fs.Parse(args); err != nil {
		return 2
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "agenr ingest: at least one path is required")
		return 2
	}

	cfg := loadConfigOrExit()
	applyIngestOverrides(&cfg, *dbPath, *model, *provider, *concurrency, *queueHighWatermark, *queueBackpressureMs, *maxRetries)

	ctx, stop := installSignalHandler()
	defer stop()
	ctx = obs.WithRunID(ctx, uuid.NewString())

	stk, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr ingest: %v\n", err)
		return 2
	}
	defer stk.Close()

	watchPath := filepath.Join(cfg.Home, "watch.json")
	ws, err := watchstate.Load(watchPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr ingest: load watch state: %v\n", err)
		return 2
	}

	driver := ingestdriver.New(stk.st, stk.queue, stk.extract, ws, isShuttingDown)
	driver.SetMetrics(stk.metrics)
	opts := ingestdriver.Options{
		Glob:           *glob,
		Platform:       *platform,
		Verbose:        *verbose,
		DryRun:         *dryRun,
		SkipIngested:   *skipIngested,
		Retry:          *retry && !*noRetry,
		MaxRetries:     cfg.Ingest.MaxRetries,
		Force:          *force,
		WholeFile:      *wholeFile,
		WatcherPIDPath: filepath.Join(cfg.Home, "watcher.pid"),
	}
	if !*jsonOut && len(paths) > 1 {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("ingesting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnFileDone = func(ingestdriver.FileResult) { _ = bar.Add(1) }
		defer bar.Finish()
	}

	summary, err := driver.Run(ctx, paths, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr ingest: %v\n", err)
		return 2
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	} else {
		printIngestSummary(summary)
	}
	return summary.ExitCode()
}

func applyIngestOverrides(cfg *config.Config, dbPath, model, provider string, concurrency, highWatermark, backpressureMs, maxRetries int) {
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if provider != "" {
		cfg.LLM.Provider = provider
	}
	if model != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.Model = model
		default:
			cfg.LLM.Anthropic.Model = model
		}
	}
	if concurrency > 0 {
		cfg.Ingest.Concurrency = concurrency
	}
	if highWatermark > 0 {
		cfg.Ingest.WriteHighWatermark = highWatermark
	}
	if backpressureMs > 0 {
		cfg.Ingest.BackpressureMs = backpressureMs
	}
	if maxRetries > 0 {
		cfg.Ingest.MaxRetries = maxRetries
	}
}

func printIngestSummary(s ingestdriver.Summary) {
	for _, f := range s.Files {
		switch {
		case f.Skipped:
			fmt.Printf("skip   %s\n", f.Path)
		case f.Failed:
			fmt.Printf("FAIL   %s: %s\n", f.Path, f.Reason)
		default:
			fmt.Printf("ok     %s  extracted=%d stored=%d reinforced=%d superseded=%d\n",
				f.Path, f.EntriesExtracted, f.EntriesStored, f.EntriesReinforced, f.EntriesSuperseded)
		}
	}
	fmt.Printf("\n%d files, %d entries extracted, %d stored, %d failed\n",
		s.FilesProcessed, s.TotalEntriesExtracted, s.TotalEntriesStored, len(s.Failed))
}
