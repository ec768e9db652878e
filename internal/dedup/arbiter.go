package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"agenr/internal/agerr"
	"agenr/internal/entry"
	"agenr/internal/llm"
	"agenr/internal/writequeue"
)

type arbitration struct {
	Verdict       string // SKIP | SUPERSEDE | MERGE | INSERT
	TargetID      string
	MergedContent string
}

// applyArbitration asks the configured LLM to resolve an embedding-band
// near-duplicate and applies its verdict.
func (r *Reconciler) applyArbitration(ctx context.Context, existing *entry.Entry, candidate *entry.Entry, it writequeue.Entry) (action, error) {
	verdict, err := r.arbitrate(ctx, existing, candidate)
	if err != nil {
		return actionInsert, agerr.New(agerr.DedupLLM, err)
	}

	switch strings.ToUpper(verdict.Verdict) {
	case "SKIP":
		if err := r.reinforce(ctx, existing, it); err != nil {
			return actionInsert, err
		}
		return actionSkip, nil
	case "SUPERSEDE":
		if err := r.supersede(ctx, existing, candidate, it); err != nil {
			return actionInsert, err
		}
		return actionSupersede, nil
	case "MERGE":
		merged := verdict.MergedContent
		if strings.TrimSpace(merged) == "" {
			merged = candidate.Content
		}
		if err := r.store.UpdateContent(ctx, existing.ID, merged, candidate.CanonicalKey, candidate.Embedding); err != nil {
			return actionInsert, agerr.New(agerr.Storage, fmt.Errorf("merge update: %w", err))
		}
		if it.SourceFile != "" {
			_ = r.store.AddSource(ctx, entry.Source{EntryID: existing.ID, FilePath: it.SourceFile})
		}
		return actionReinforce, nil
	default: // "INSERT" or anything unrecognized defaults to the safe choice
		act, _, err := r.insert(ctx, candidate, it)
		return act, err
	}
}

func (r *Reconciler) arbitrate(ctx context.Context, existing, candidate *entry.Entry) (arbitration, error) {
	prompt := buildArbitrationPrompt(existing, candidate)
	resp, err := r.arbiter.Chat(ctx, []llm.Message{
		{Role: "system", Content: arbitrationSystemPrompt},
		{Role: "user", Content: prompt},
	}, nil, "")
	if err != nil {
		return arbitration{}, err
	}
	return parseArbitration(resp.Content, existing.ID)
}

const arbitrationSystemPrompt = `You resolve near-duplicate memory entries. Given an EXISTING entry and a
CANDIDATE entry that scored similar by embedding search, decide one of:
SKIP (candidate adds nothing new), SUPERSEDE (candidate replaces existing,
existing is stale), MERGE (combine both into one entry), INSERT (they are
actually distinct, keep both). Respond with a single JSON object:
{"verdict":"SKIP|SUPERSEDE|MERGE|INSERT","target_id":"...","merged_content":"..."}
merged_content is only needed for MERGE.`

func buildArbitrationPrompt(existing, candidate *entry.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "EXISTING (id=%s):\n%s\n\nCANDIDATE:\n%s\n", existing.ID, existing.Content, candidate.Content)
	return sb.String()
}

func parseArbitration(raw, existingID string) (arbitration, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return arbitration{}, fmt.Errorf("dedup: no JSON object found in arbitration response")
	}
	obj := gjson.Parse(raw[start : end+1])
	a := arbitration{
		Verdict:       obj.Get("verdict").String(),
		TargetID:      obj.Get("target_id").String(),
		MergedContent: obj.Get("merged_content").String(),
	}
	if a.Verdict == "" {
		return arbitration{}, fmt.Errorf("dedup: arbitration response missing verdict")
	}
	if a.TargetID == "" {
		a.TargetID = existingID
	}
	return a, nil
}
