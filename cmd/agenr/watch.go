package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"agenr/internal/ingestdriver"
	"agenr/internal/obs"
	"agenr/internal/pidfile"
	"agenr/internal/watchstate"
)

// runWatch polls the paths given on the command line and re-ingests any
// file whose size has grown past the byte offset recorded for it in
// watch.json. The filesystem
// event mechanism itself (inotify/FSEvents) is out of scope; this is the
// simple interval poller that stands in its place.
func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dbPath := fs.String("db", "", "override the store path")
	platform := fs.String("platform", "", "source platform label recorded on every stored entry")
	intervalSec := fs.Int("interval", 5, "poll interval in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "agenr watch: at least one path is required")
		return 2
	}

	cfg := loadConfigOrExit()
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}

	pidPath := filepath.Join(cfg.Home, "watcher.pid")
	lock, err := pidfile.Acquire(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr watch: %v\n", err)
		return 2
	}
	defer lock.Release()

	ctx, stop := installSignalHandler()
	defer stop()
	ctx = obs.WithRunID(ctx, uuid.NewString())

	stk, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr watch: %v\n", err)
		return 2
	}
	defer stk.Close()

	watchPath := filepath.Join(cfg.Home, "watch.json")
	ws, err := watchstate.Load(watchPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr watch: load watch state: %v\n", err)
		return 2
	}
	driver := ingestdriver.New(stk.st, stk.queue, stk.extract, ws, isShuttingDown)
	driver.SetMetrics(stk.metrics)

	ticker := time.NewTicker(time.Duration(*intervalSec) * time.Second)
	defer ticker.Stop()

	log := obs.Logger(ctx)
	log.Info().Strs("paths", paths).Int("interval_s", *intervalSec).Msg("watch_started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("watch_stopped")
			return 0
		case <-ticker.C:
			grown := grownFiles(paths, ws)
			if len(grown) == 0 {
				continue
			}
			summary, err := driver.Run(ctx, grown, ingestdriver.Options{Platform: *platform, WatchMode: true})
			if err != nil {
				log.Warn().Err(err).Msg("watch_ingest_failed")
				continue
			}
			log.Info().Int("files", summary.FilesProcessed).Int("stored", summary.TotalEntriesStored).Msg("watch_tick")
		}
	}
}

// grownFiles returns, from paths (files or directories), every regular
// file whose current size exceeds its last recorded watch-state offset.
func grownFiles(paths []string, ws *watchstate.State) []string {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				continue
			}
			for _, de := range entries {
				if de.IsDir() {
					continue
				}
				out = append(out, grownFile(filepath.Join(p, de.Name()), ws)...)
			}
			continue
		}
		out = append(out, grownFile(p, ws)...)
	}
	return out
}

func grownFile(path string, ws *watchstate.State) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Size() > ws.Get(path).ByteOffset {
		return []string{path}
	}
	return nil
}
