// Command agenr ingests transcripts into a local memory store and answers
// recall queries against it.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var run func([]string) int
	switch cmd {
	case "ingest":
		run = runIngest
	case "recall":
		run = runRecall
	case "health":
		run = runHealth
	case "watch":
		run = runWatch
	case "config":
		run = runConfig
	case "auth":
		run = runAuth
	case "setup":
		run = runSetup
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		color.New(color.FgRed).Fprintf(os.Stderr, "agenr: unknown subcommand %q\n", cmd)
		usage()
		os.Exit(2)
	}

	os.Exit(run(args))
}

func usage() {
	fmt.Fprintln(os.Stderr, `agenr <command> [flags]

Commands:
  ingest   parse transcripts, extract durable knowledge, store it
  recall   query the memory store
  health   dump store stats and collected metrics
  watch    poll tracked transcripts and ingest new content as it appears
  config   print or validate the resolved configuration
  auth     report which provider credentials were discovered
  setup    initialize $AGENR_HOME and the database file`)
}
