package main

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

// runAuth reports which provider credentials were discovered, without ever
// printing a secret value — env vars only; keychain/adjacent-tool
// credential file discovery is not implemented (see DESIGN.md).
func runAuth(args []string) int {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rows := []struct{ name, env string }{
		{"Anthropic API key", "ANTHROPIC_API_KEY"},
		{"Anthropic OAuth token", "ANTHROPIC_OAUTH_TOKEN"},
		{"OpenAI API key", "OPENAI_API_KEY"},
	}
	anyFound := false
	for _, r := range rows {
		v := strings.TrimSpace(os.Getenv(r.env))
		status := "not set"
		if v != "" {
			status = "found"
			anyFound = true
		}
		fmt.Printf("%-24s %-18s %s\n", r.name, r.env, status)
	}
	if !anyFound {
		fmt.Fprintln(os.Stderr, "\nno credentials discovered; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
		return 1
	}
	return 0
}
