package store

import "fmt"

// schemaSQL returns the DDL for the entries database. embeddingDim controls
// the vec0 virtual table's fixed vector width.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    subject TEXT NOT NULL,
    content TEXT NOT NULL,
    canonical_key TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    importance INTEGER NOT NULL DEFAULT 5,
    expiry TEXT NOT NULL DEFAULT 'permanent',
    scope TEXT NOT NULL DEFAULT 'private',
    platform TEXT,
    project TEXT,
    tags JSON,
    source TEXT,

    recall_count INTEGER NOT NULL DEFAULT 0,
    last_recalled_at DATETIME,
    recall_intervals JSON,
    confirmations INTEGER NOT NULL DEFAULT 0,
    contradictions INTEGER NOT NULL DEFAULT 0,
    quality_score REAL NOT NULL DEFAULT 0.5,

    superseded_by TEXT,
    retired INTEGER NOT NULL DEFAULT 0,
    retired_at DATETIME,
    retired_reason TEXT,
    suppressed_contexts JSON,

    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entries_subject ON entries(subject);
CREATE INDEX IF NOT EXISTS idx_entries_canonical_key ON entries(canonical_key);
CREATE INDEX IF NOT EXISTS idx_entries_content_hash ON entries(content_hash);
CREATE INDEX IF NOT EXISTS idx_entries_project ON entries(project);
CREATE INDEX IF NOT EXISTS idx_entries_active ON entries(retired, superseded_by);

-- Fixed-width vector column for ANN search over active entries, scoped per
-- subject at query time by joining back to entries.
CREATE VIRTUAL TABLE IF NOT EXISTS entries_vec USING vec0(
    entry_rowid INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- entries_vec_map bridges the vec0 integer rowid space to entries.id (text).
CREATE TABLE IF NOT EXISTS entries_vec_map (
    entry_rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL UNIQUE REFERENCES entries(id) ON DELETE CASCADE
);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
    content,
    subject,
    content='entries',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
    INSERT INTO entries_fts(rowid, content, subject) VALUES (new.rowid, new.content, new.subject);
END;
CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
    INSERT INTO entries_fts(entries_fts, rowid, content, subject) VALUES ('delete', old.rowid, old.content, old.subject);
END;
CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
    INSERT INTO entries_fts(entries_fts, rowid, content, subject) VALUES ('delete', old.rowid, old.content, old.subject);
    INSERT INTO entries_fts(rowid, content, subject) VALUES (new.rowid, new.content, new.subject);
END;

CREATE TABLE IF NOT EXISTS ingest_log (
    file_path TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    ingested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entry_sources (
    entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
    file_path TEXT NOT NULL,
    byte_from INTEGER NOT NULL,
    byte_to INTEGER NOT NULL,
    PRIMARY KEY (entry_id, file_path, byte_from)
);

CREATE TABLE IF NOT EXISTS co_recall_edges (
    entry_a TEXT NOT NULL,
    entry_b TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entry_a, entry_b)
);
`, embeddingDim)
}
