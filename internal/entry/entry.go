// Package entry defines the Entry type persisted by the store and returned
// by recall — a single unit of durable knowledge extracted from a
// transcript.
package entry

import "time"

// Expiry classes control recency decay and recall-strength ceilings (see
// recencyHalfLifeDays and recallCeiling in the recall package).
const (
	ExpiryCore        = "core"
	ExpiryPermanent   = "permanent"
	ExpiryTemporary   = "temporary"
	ExpirySessionOnly = "session-only"
)

// Entry is one durable knowledge item.
type Entry struct {
	ID           string
	Type         string // one of fact, preference, decision, event, todo, lesson
	Subject      string
	Content      string
	CanonicalKey string
	Importance   int // 1-10
	Expiry       string
	Scope        string // private | public | personal
	Platform     string
	Project      string
	Tags         []string
	Source       string
	Embedding    []float32

	RecallCount     int
	LastRecalledAt  *time.Time
	RecallIntervals []int64 // epoch seconds, one per active recall
	Confirmations   int
	Contradictions  int
	QualityScore    float64

	SupersededBy        string
	Retired             bool
	RetiredAt           *time.Time
	RetiredReason       string
	SuppressedContexts  []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether e should participate in recall and dedup
// candidate search.
func (e *Entry) IsActive() bool {
	return !e.Retired && e.SupersededBy == ""
}

// Source describes provenance of an entry: which file and byte range it was
// extracted from (entry_sources, many-to-many since dedup merges can fold
// several sources into one entry).
type Source struct {
	EntryID  string
	FilePath string
	ByteFrom int64
	ByteTo   int64
}

// CoRecallEdge tracks how often two entries were extracted together from
// the same source file, used to surface related memories.
type CoRecallEdge struct {
	EntryA string
	EntryB string
	Count  int
}

// IngestLogRow records a previously ingested file's content hash so
// unchanged files are skipped on subsequent ingest runs.
type IngestLogRow struct {
	FilePath    string
	ContentHash string
	IngestedAt  time.Time
}
