package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agenr/internal/entry"
)

// UpdateContent rewrites an entry's content/embedding/canonical key in
// place — used when dedup merges an incoming duplicate's content into an
// existing entry rather than inserting a new row.
func (s *Store) UpdateContent(ctx context.Context, id, content, canonicalKey string, embedding []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	hash := ContentHash(content)
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE entries SET content = ?, content_hash = ?, canonical_key = ?, updated_at = ? WHERE id = ?`,
		content, hash, canonicalKey, now, id); err != nil {
		return fmt.Errorf("update content: %w", err)
	}

	if len(embedding) > 0 {
		var rowid int64
		if err := tx.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, id).Scan(&rowid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries_vec_map (entry_rowid, entry_id) VALUES (?, ?)
ON CONFLICT(entry_id) DO NOTHING`, rowid, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO entries_vec (entry_rowid, embedding) VALUES (?, ?)`, rowid, serializeFloat32(embedding)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordIngestedFile upserts the ingest_log row used to skip unchanged
// files on subsequent ingest runs.
func (s *Store) RecordIngestedFile(ctx context.Context, path, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingest_log (file_path, content_hash, ingested_at) VALUES (?, ?, ?)
ON CONFLICT(file_path) DO UPDATE SET content_hash = excluded.content_hash, ingested_at = excluded.ingested_at`,
		path, contentHash, time.Now().UTC())
	return err
}

// PreviousIngestHash returns the last recorded content hash for path, or ""
// if the file has never been ingested.
func (s *Store) PreviousIngestHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM ingest_log WHERE file_path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// AddSource records a (file, byte range) provenance row for an entry.
func (s *Store) AddSource(ctx context.Context, src entry.Source) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO entry_sources (entry_id, file_path, byte_from, byte_to) VALUES (?, ?, ?, ?)
ON CONFLICT(entry_id, file_path, byte_from) DO NOTHING`,
		src.EntryID, src.FilePath, src.ByteFrom, src.ByteTo)
	return err
}

// RecordCoRecall increments the co-occurrence counter for every pair of the
// given entry IDs (the ingest driver passes the entries stored from one
// file), used to surface related memories over time.
func (s *Store) RecordCoRecall(ctx context.Context, entryIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := 0; i < len(entryIDs); i++ {
		for j := i + 1; j < len(entryIDs); j++ {
			a, b := entryIDs[i], entryIDs[j]
			if a > b {
				a, b = b, a
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO co_recall_edges (entry_a, entry_b, count) VALUES (?, ?, 1)
ON CONFLICT(entry_a, entry_b) DO UPDATE SET count = count + 1`, a, b); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// CountOwnedByPath reports how many entries are exclusively sourced from
// path (every entry_sources row for that entry references only path),
// without deleting anything — used to report "would delete N rows" under
// `--force --dry-run`.
func (s *Store) CountOwnedByPath(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM entries e WHERE e.id IN (
  SELECT entry_id FROM entry_sources GROUP BY entry_id
  HAVING COUNT(DISTINCT file_path) = 1 AND MIN(file_path) = ?
)`, path).Scan(&n)
	return n, err
}

// DeletePath removes every entry exclusively sourced from path, their
// entry_sources rows, and the ingest_log row for path, all in one
// transaction — the `--force` re-ingest cleanup.
func (s *Store) DeletePath(ctx context.Context, path string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT entry_id FROM entry_sources GROUP BY entry_id
HAVING COUNT(DISTINCT file_path) = 1 AND MIN(file_path) = ?`, path)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_sources WHERE file_path = ?`, path); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_log WHERE file_path = ?`, path); err != nil {
		return 0, err
	}
	return len(ids), tx.Commit()
}

// CountActive reports how many entries are currently active, for the
// `health` subcommand's store summary.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE retired = 0 AND superseded_by = ''`).Scan(&n)
	return n, err
}
