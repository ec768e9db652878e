// Package store persists Entry rows, their embeddings, and the FTS index in
// an embedded SQLite database.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"agenr/internal/entry"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the SQLite connection pool and embedding dimension.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// Open creates the database file's parent directory if needed, opens the
// connection with WAL mode and foreign keys enabled, and bootstraps the
// schema.
func Open(ctx context.Context, path string, embeddingDim int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	if _, err := db.ExecContext(ctx, schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ContentHash returns the dedup exact-match hash of normalized content.
func ContentHash(content string) string {
	norm := strings.ToLower(strings.TrimSpace(content))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func serializeFloat32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func marshalJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(raw, &out)
	return out
}

// InsertEntry inserts a new entry row, its FTS shadow (via trigger), and its
// embedding in the vec0 table, all within one transaction. A zero
// QualityScore is stored as the neutral default 0.5.
func (s *Store) InsertEntry(ctx context.Context, e *entry.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	hash := ContentHash(e.Content)
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.QualityScore == 0 {
		e.QualityScore = 0.5
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO entries (
    id, type, subject, content, canonical_key, content_hash, importance, expiry, scope,
    platform, project, tags, source, recall_count, last_recalled_at, recall_intervals,
    confirmations, contradictions, quality_score, superseded_by, retired, retired_at,
    retired_reason, suppressed_contexts, created_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.Subject, e.Content, e.CanonicalKey, hash, e.Importance, e.Expiry, e.Scope,
		e.Platform, e.Project, marshalJSON(e.Tags), e.Source, e.RecallCount, e.LastRecalledAt,
		marshalJSON(e.RecallIntervals), e.Confirmations, e.Contradictions,
		e.QualityScore, e.SupersededBy, e.Retired, e.RetiredAt, e.RetiredReason,
		marshalJSON(e.SuppressedContexts), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	var rowid int64
	if err := tx.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, e.ID).Scan(&rowid); err != nil {
		return fmt.Errorf("lookup rowid: %w", err)
	}

	if len(e.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries_vec_map (entry_rowid, entry_id) VALUES (?, ?)
ON CONFLICT(entry_id) DO NOTHING`, rowid, e.ID); err != nil {
			return fmt.Errorf("map vec rowid: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO entries_vec (entry_rowid, embedding) VALUES (?, ?)`,
			rowid, serializeFloat32(e.Embedding)); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID loads a single entry by ID, or (nil, nil) if absent.
func (s *Store) GetByID(ctx context.Context, id string) (*entry.Entry, error) {
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetActiveByContentHash returns active entries matching an exact
// normalized-content hash within a subject, for dedup tier 1.
func (s *Store) GetActiveByContentHash(ctx context.Context, subject, hash string) ([]*entry.Entry, error) {
	return s.queryEntries(ctx, baseSelect+`
WHERE subject = ? AND content_hash = ? AND retired = 0 AND superseded_by = ''`, subject, hash)
}

// GetActiveByCanonicalKey returns active entries sharing a canonical key
// within a subject, for dedup tier 2.
func (s *Store) GetActiveByCanonicalKey(ctx context.Context, subject, canonicalKey string) ([]*entry.Entry, error) {
	return s.queryEntries(ctx, baseSelect+`
WHERE subject = ? AND canonical_key = ? AND retired = 0 AND superseded_by = ''`, subject, canonicalKey)
}

// VectorSearchResult pairs an entry with its cosine-similarity-derived
// score from the ANN index.
type VectorSearchResult struct {
	Entry *entry.Entry
	Score float64
}

// VectorSearchBySubject finds the k nearest active entries to query within
// subject via the vec0 KNN operator, used by dedup's embedding-band
// reconciliation.
func (s *Store) VectorSearchBySubject(ctx context.Context, subject string, query []float32, k int) ([]VectorSearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.entry_id, v.distance
FROM entries_vec v
JOIN entries_vec_map m ON m.entry_rowid = v.entry_rowid
JOIN entries e ON e.id = m.entry_id
WHERE v.embedding MATCH ? AND k = ? AND e.subject = ? AND e.retired = 0 AND e.superseded_by = ''
ORDER BY v.distance`, serializeFloat32(query), k, subject)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []VectorSearchResult
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, err
		}
		e, err := s.GetByID(ctx, id)
		if err != nil || e == nil {
			continue
		}
		out = append(out, VectorSearchResult{Entry: e, Score: 1.0 - dist})
	}
	return out, rows.Err()
}

// VectorSearch finds the k nearest active entries to query across all
// subjects, used by recall's semantic path (unlike VectorSearchBySubject,
// which dedup uses to scope candidates to one subject).
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorSearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.entry_id, v.distance
FROM entries_vec v
JOIN entries_vec_map m ON m.entry_rowid = v.entry_rowid
JOIN entries e ON e.id = m.entry_id
WHERE v.embedding MATCH ? AND k = ? AND e.retired = 0 AND e.superseded_by = ''
ORDER BY v.distance`, serializeFloat32(query), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []VectorSearchResult
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, err
		}
		e, err := s.GetByID(ctx, id)
		if err != nil || e == nil {
			continue
		}
		out = append(out, VectorSearchResult{Entry: e, Score: 1.0 - dist})
	}
	return out, rows.Err()
}

// FTSResult pairs an entry with its (positive, higher-is-better) FTS5 rank
// score.
type FTSResult struct {
	Entry *entry.Entry
	Score float64
}

// FTSSearch runs an FTS5 MATCH query restricted to active entries.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]FTSResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, f.rank
FROM entries_fts f
JOIN entries e ON e.rowid = f.rowid
WHERE entries_fts MATCH ? AND e.retired = 0 AND e.superseded_by = ''
ORDER BY f.rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []FTSResult
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		e, err := s.GetByID(ctx, id)
		if err != nil || e == nil {
			continue
		}
		out = append(out, FTSResult{Entry: e, Score: -rank})
	}
	return out, rows.Err()
}

// MarkSuperseded retires `old` in favor of `newID`, breaking any would-be
// supersede cycle by refusing to supersede an entry that (transitively)
// already supersedes newID.
func (s *Store) MarkSuperseded(ctx context.Context, oldID, newID, reason string) error {
	if oldID == newID {
		return fmt.Errorf("cannot supersede entry with itself: %s", oldID)
	}
	cur := newID
	for i := 0; i < 64; i++ {
		row := s.db.QueryRowContext(ctx, `SELECT superseded_by FROM entries WHERE id = ?`, cur)
		var next string
		if err := row.Scan(&next); err != nil {
			break
		}
		if next == "" {
			break
		}
		if next == oldID {
			return fmt.Errorf("refusing supersede: would create a cycle between %s and %s", oldID, newID)
		}
		cur = next
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE entries SET superseded_by = ?, retired = 1, retired_at = ?, retired_reason = ?, updated_at = ?
WHERE id = ?`, newID, now, reason, now, oldID)
	return err
}

// Reinforce is called when dedup reconciles an incoming duplicate against
// an existing active entry (exact hash, high-similarity embedding match, or
// an arbitration SKIP verdict): it records a confirmation and nudges quality_score
// toward qualitySignal by an exponential moving average.
func (s *Store) Reinforce(ctx context.Context, id string, qualitySignal float64) error {
	e, err := s.GetByID(ctx, id)
	if err != nil || e == nil {
		return err
	}
	const emaAlpha = 0.2
	newQuality := e.QualityScore + emaAlpha*(qualitySignal-e.QualityScore)
	floor := 0.0
	switch e.Type {
	case "lesson":
		floor = 0.10
	case "fact", "preference":
		floor = 0.35
	}
	if newQuality < floor {
		newQuality = floor
	} else if newQuality > 1 {
		newQuality = 1
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE entries SET confirmations = confirmations + 1, quality_score = ?, updated_at = ?
WHERE id = ?`, newQuality, time.Now().UTC(), id)
	return err
}

// RecordRecall applies the bookkeeping mutation recall makes on every
// non-suppressed return of an entry: increments recall_count, stamps
// last_recalled_at, appends the current epoch-second timestamp to
// recall_intervals, and auto-strengthens importance the first time
// recall_count crosses 3, 10, or 25 (capped at 9). Returns the
// already-updated entry so the caller's in-memory result reflects it
// without a second round-trip.
func (s *Store) RecordRecall(ctx context.Context, id string) (*entry.Entry, error) {
	e, err := s.GetByID(ctx, id)
	if err != nil || e == nil {
		return e, err
	}
	now := time.Now().UTC()
	e.RecallCount++
	e.LastRecalledAt = &now
	e.RecallIntervals = append(e.RecallIntervals, now.Unix())
	if len(e.RecallIntervals) > 50 {
		e.RecallIntervals = e.RecallIntervals[len(e.RecallIntervals)-50:]
	}
	if (e.RecallCount == 3 || e.RecallCount == 10 || e.RecallCount == 25) && e.Importance < 9 {
		e.Importance++
		if e.Importance > 9 {
			e.Importance = 9
		}
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE entries SET recall_count = ?, last_recalled_at = ?, recall_intervals = ?, importance = ?, updated_at = ?
WHERE id = ?`, e.RecallCount, e.LastRecalledAt, marshalJSON(e.RecallIntervals), e.Importance, now, id)
	return e, err
}

// Filter narrows ListActive to the subset of active entries recall's
// browse and context-only paths operate over.
type Filter struct {
	Subject        string
	Types          []string
	Tags           []string
	Scope          string
	Project        string
	ProjectStrict  bool
	ExcludeProject string
	Platform       string
	MinImportance  int
	Since          *time.Time
	Until          *time.Time
	ExcludeContext string
}

// ListActive returns active entries matching filter, most-recently-updated
// first. Used by recall's browse path (importance+recency only, no vector
// or FTS terms) and its context-only/session-start path (full scoring
// composition over a filtered active set).
func (s *Store) ListActive(ctx context.Context, f Filter) ([]*entry.Entry, error) {
	query := baseSelect + ` WHERE retired = 0 AND superseded_by = ''`
	var args []any

	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if len(f.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(f.Types)) + `)`
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, f.Scope)
	}
	if f.Project != "" {
		if f.ProjectStrict {
			query += ` AND project = ?`
			args = append(args, f.Project)
		} else {
			query += ` AND (project = ? OR project = '')`
			args = append(args, f.Project)
		}
	}
	if f.ExcludeProject != "" {
		query += ` AND project != ?`
		args = append(args, f.ExcludeProject)
	}
	if f.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, f.Platform)
	}
	if f.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, f.MinImportance)
	}
	if f.Since != nil {
		query += ` AND updated_at >= ?`
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		query += ` AND updated_at <= ?`
		args = append(args, *f.Until)
	}
	if len(f.Tags) > 0 {
		ors := make([]string, len(f.Tags))
		for i, tag := range f.Tags {
			ors[i] = `tags LIKE ?`
			args = append(args, `%"`+tag+`"%`)
		}
		query += ` AND (` + strings.Join(ors, " OR ") + `)`
	}

	query += ` ORDER BY updated_at DESC`

	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if f.ExcludeContext == "" {
		return entries, nil
	}
	out := entries[:0]
	for _, e := range entries {
		if containsString(e.SuppressedContexts, f.ExcludeContext) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

const baseSelect = `SELECT id, type, subject, content, canonical_key, importance, expiry, scope,
platform, project, tags, source, recall_count, last_recalled_at, recall_intervals,
confirmations, contradictions, quality_score, superseded_by, retired, retired_at,
retired_reason, suppressed_contexts, created_at, updated_at FROM entries`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*entry.Entry, error) {
	var e entry.Entry
	var tags, recallIntervalsMs, suppressed []byte
	var lastRecalledAt, retiredAt sql.NullTime
	var retired int
	if err := row.Scan(
		&e.ID, &e.Type, &e.Subject, &e.Content, &e.CanonicalKey, &e.Importance, &e.Expiry, &e.Scope,
		&e.Platform, &e.Project, &tags, &e.Source, &e.RecallCount, &lastRecalledAt, &recallIntervalsMs,
		&e.Confirmations, &e.Contradictions, &e.QualityScore, &e.SupersededBy, &retired, &retiredAt,
		&e.RetiredReason, &suppressed, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastRecalledAt.Valid {
		e.LastRecalledAt = &lastRecalledAt.Time
	}
	if retiredAt.Valid {
		e.RetiredAt = &retiredAt.Time
	}
	e.Retired = retired != 0
	e.Tags = unmarshalStrings(tags)
	e.SuppressedContexts = unmarshalStrings(suppressed)
	e.RecallIntervals = unmarshalInt64s(recallIntervalsMs)
	return &e, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*entry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func unmarshalInt64s(raw []byte) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var out []int64
	_ = json.Unmarshal(raw, &out)
	return out
}
