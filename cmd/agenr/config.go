package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"agenr/internal/embedding"
)

// runConfig prints the resolved configuration (credentials redacted) and,
// with --check, verifies the embedding backend is reachable.
func runConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	check := fs.Bool("check", false, "additionally verify the embedding backend is reachable")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfigOrExit()
	redacted := cfg
	redacted.LLM.Anthropic.APIKey = redact(redacted.LLM.Anthropic.APIKey)
	redacted.LLM.OpenAI.APIKey = redact(redacted.LLM.OpenAI.APIKey)
	redacted.Embedding.APIKey = redact(redacted.Embedding.APIKey)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(redacted)

	if !*check {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := embedding.CheckReachability(ctx, cfg.Embedding); err != nil {
		fmt.Fprintf(os.Stderr, "embedding backend unreachable: %v\n", err)
		return 1
	}
	fmt.Println("embedding backend reachable")
	return 0
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}
