package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"agenr/internal/obs"
	"agenr/internal/recall"
)

func runRecall(args []string) int {
	fs := flag.NewFlagSet("recall", flag.ExitOnError)
	dbPath := fs.String("db", "", "override the store path")
	context_ := fs.String("context", "", "current session context, used by the session-start path and recall exclusion")
	browse := fs.Bool("browse", false, "browse mode: importance x recency only, no query text")
	limit := fs.Int("limit", 0, "maximum results")
	types := fs.StringSlice("type", nil, "restrict to these entry types")
	tags := fs.StringSlice("tag", nil, "restrict to entries carrying any of these tags")
	scope := fs.String("scope", "", "restrict to this scope")
	project := fs.String("project", "", "restrict to this project")
	projectStrict := fs.Bool("project-strict", false, "exclude entries with no project set (default: project-less entries still match)")
	excludeProject := fs.String("exclude-project", "", "exclude entries scoped to this project")
	platform := fs.String("platform", "", "restrict to entries sourced from this platform")
	minImportance := fs.Int("min-importance", 0, "minimum importance")
	since := fs.String("since", "", "absolute or relative (7d, 2w, 1m, 1y) lower bound on updated_at")
	until := fs.String("until", "", "absolute or relative upper bound on updated_at")
	around := fs.String("around", "", "center a gaussian recency bonus on this date")
	aroundRadius := fs.Float64("around-radius", 0, "radius in days for --around")
	noBoost := fs.Bool("no-boost", false, "return raw cosine similarity, skipping every multiplicative term")
	noUpdate := fs.Bool("no-update", false, "don't record this query as a recall (no counter/interval bookkeeping)")
	jsonOut := fs.Bool("json", false, "emit results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.Join(fs.Args(), " ")

	cfg := loadConfigOrExit()
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}

	ctx, stop := installSignalHandler()
	defer stop()
	ctx = obs.WithRunID(ctx, uuid.NewString())

	stk, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr recall: %v\n", err)
		return 2
	}
	defer stk.Close()

	q := recall.Query{
		Text: text, Context: *context_, Browse: *browse, Limit: *limit,
		Types: *types, Tags: *tags, Scope: *scope, Project: *project,
		ProjectStrict: *projectStrict, ExcludeProject: *excludeProject, Platform: *platform,
		MinImportance: *minImportance, Since: *since, Until: *until,
		Around: *around, AroundRadius: *aroundRadius, NoBoost: *noBoost, NoUpdate: *noUpdate,
	}

	results, err := stk.rec.Run(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr recall: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return 0
	}
	printRecallResults(results)
	return 0
}

func printRecallResults(results []recall.Result) {
	if len(results) == 0 {
		fmt.Println("no matching entries")
		return
	}
	for _, r := range results {
		fmt.Printf("%.3f  [%s/%s] %s\n", r.Score, r.Entry.Type, r.Entry.Subject, r.Entry.Content)
	}
}
