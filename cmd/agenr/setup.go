package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"agenr/internal/store"
)

// runSetup creates $AGENR_HOME and bootstraps the database schema, so a
// fresh install has somewhere to write before the first ingest.
func runSetup(args []string) int {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfigOrExit()
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "agenr setup: create %s: %v\n", cfg.Home, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.Store.Path, cfg.Embedding.Dimensions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr setup: open store: %v\n", err)
		return 2
	}
	defer st.Close()

	fmt.Printf("initialized %s\n", cfg.Home)
	fmt.Printf("database at %s\n", cfg.Store.Path)
	if cfg.LLM.Anthropic.APIKey == "" && cfg.LLM.OpenAI.APIKey == "" {
		fmt.Println("no provider credentials found; run `agenr auth` for details")
	}
	return 0
}
