package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// synonym keys the model sometimes uses instead of our canonical field
// names; gjson lets us probe several paths cheaply without a strict struct
// unmarshal that would reject the whole entry over one renamed field.
var fieldSynonyms = map[string][]string{
	"type":          {"type", "kind", "category"},
	"subject":       {"subject", "topic", "key"},
	"content":       {"content", "text", "value", "fact"},
	"canonical_key": {"canonical_key", "canonicalKey", "dedup_key"},
	"importance":    {"importance", "weight", "priority"},
	"tags":          {"tags", "labels"},
}

// parseEntries extracts the JSON array from raw (which may have
// conversational prose wrapped around it) and decodes each object
// tolerantly via field synonyms.
func parseEntries(raw string) ([]Candidate, error) {
	arrText := extractJSONArray(raw)
	if arrText == "" {
		return nil, fmt.Errorf("extractor: no JSON array found in model output")
	}
	result := gjson.Parse(arrText)
	if !result.IsArray() {
		return nil, fmt.Errorf("extractor: model output is not a JSON array")
	}
	return decodeCandidates(result), nil
}

// parseToolArgs decodes a record_entries tool call's arguments: either
// {"entries": [...]} or a bare top-level array, both tolerated since
// models are inconsistent about wrapping the array in an object.
func parseToolArgs(args json.RawMessage) ([]Candidate, error) {
	result := gjson.GetBytes(args, "entries")
	if !result.Exists() {
		result = gjson.ParseBytes(args)
	}
	if !result.IsArray() {
		return nil, fmt.Errorf("extractor: tool call arguments contain no entries array")
	}
	return decodeCandidates(result), nil
}

func decodeCandidates(result gjson.Result) []Candidate {
	var out []Candidate
	result.ForEach(func(_, item gjson.Result) bool {
		importanceField := firstOf(item, fieldSynonyms["importance"])
		c := Candidate{
			Type:         firstOf(item, fieldSynonyms["type"]).String(),
			Subject:      firstOf(item, fieldSynonyms["subject"]).String(),
			Content:      firstOf(item, fieldSynonyms["content"]).String(),
			CanonicalKey: firstOf(item, fieldSynonyms["canonical_key"]).String(),
			Importance:   int(importanceField.Int()),
		}
		if tags := firstOf(item, fieldSynonyms["tags"]); tags.IsArray() {
			tags.ForEach(func(_, t gjson.Result) bool {
				c.Tags = append(c.Tags, t.String())
				return true
			})
		}
		if strings.TrimSpace(c.Content) == "" {
			return true // skip empty entries rather than failing the whole batch
		}
		if c.CanonicalKey == "" {
			c.CanonicalKey = strings.ToLower(strings.TrimSpace(c.Subject + ":" + c.Content))
		}
		if !importanceField.Exists() {
			c.Importance = 5
		}
		if c.Importance > 10 {
			c.Importance = 10
		}
		out = append(out, c)
		return true
	})
	return out
}

func firstOf(item gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// extractJSONArray finds the first top-level '[' ... ']' span in raw,
// tolerating prose the model wrote before/after the array.
func extractJSONArray(raw string) string {
	start := strings.IndexByte(raw, '[')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(raw); i++ {
		switch raw[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}
