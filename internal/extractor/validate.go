package extractor

import (
	"fmt"
	"strings"
)

// blockedSubjects names subjects that are never durable knowledge — they
// describe the conversation itself, not something worth recalling later.
var blockedSubjects = map[string]bool{
	"assistant": true,
	"user":      true,
	"system":    true,
	"ai":        true,
}

// metaPhrases flags content that narrates the extraction process itself
// rather than stating a fact, preference, decision, or todo.
var metaPhrases = []string{
	"as an ai",
	"i cannot",
	"i don't have the ability",
	"this conversation",
	"the user asked",
	"in this chunk",
}

const minContentLength = 20
const minImportance = 5

// validate applies the rejection rules a chunk's raw candidates must pass
// before reaching dedup: blocked subjects, meta-pattern narration, minimum
// content length, and minimum importance. It returns the surviving
// candidates plus one warning string per rejection.
func validate(cands []Candidate) ([]Candidate, []string) {
	out := make([]Candidate, 0, len(cands))
	var warnings []string
	for _, c := range cands {
		if reason := rejectReason(c); reason != "" {
			warnings = append(warnings, fmt.Sprintf("rejected %q: %s", truncate(c.Content, 40), reason))
			continue
		}
		out = append(out, c)
	}
	return out, warnings
}

func rejectReason(c Candidate) string {
	if blockedSubjects[strings.ToLower(strings.TrimSpace(c.Subject))] {
		return "blocked subject"
	}
	if len(strings.TrimSpace(c.Content)) < minContentLength {
		return "content too short"
	}
	if c.Importance < minImportance {
		return "importance below threshold"
	}
	lower := strings.ToLower(c.Content)
	for _, phrase := range metaPhrases {
		if strings.Contains(lower, phrase) {
			return "meta-pattern narration"
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
