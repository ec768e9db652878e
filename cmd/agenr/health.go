package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"agenr/internal/embedding"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	dbPath := fs.String("db", "", "override the store path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfigOrExit()
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stk, err := buildStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr health: %v\n", err)
		return 2
	}
	defer stk.Close()

	fmt.Printf("store:         %s\n", cfg.Store.Path)
	fmt.Printf("llm provider:  %s\n", firstNonEmptyLocal(cfg.LLM.Provider, "anthropic"))
	if n, err := stk.st.CountActive(ctx); err == nil {
		fmt.Printf("active entries: %d\n", n)
	}

	if err := embedding.CheckReachability(ctx, cfg.Embedding); err != nil {
		fmt.Printf("embedding backend: UNREACHABLE (%v)\n", err)
	} else {
		fmt.Printf("embedding backend: reachable\n")
	}

	dump, err := stk.metrics.Dump()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agenr health: dump metrics: %v\n", err)
		return 1
	}
	fmt.Println("\n--- metrics ---")
	fmt.Print(dump)
	return 0
}

func firstNonEmptyLocal(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
