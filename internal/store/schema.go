package store

import (
	"database/sql"
	"fmt"

	. "github.com/ynishimura/guildrag/internal/logging"
)

// schemaStatements are applied in order at startup. All statements are
// idempotent so reconnecting is safe.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS channels (
		channel_id      TEXT PRIMARY KEY,
		guild_id        TEXT NOT NULL,
		category_id     TEXT,
		name            TEXT,
		type            TEXT,
		last_scanned_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS threads (
		thread_id       TEXT PRIMARY KEY,
		guild_id        TEXT NOT NULL,
		channel_id      TEXT NOT NULL,
		name            TEXT,
		archived        BOOLEAN NOT NULL DEFAULT false,
		last_scanned_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_id       TEXT PRIMARY KEY,
		guild_id         TEXT NOT NULL,
		category_id      TEXT,
		channel_id       TEXT NOT NULL,
		thread_id        TEXT,
		author_id        TEXT,
		content_md       TEXT,
		content_plain    TEXT,
		created_at       TIMESTAMPTZ,
		edited_at        TIMESTAMPTZ,
		deleted_at       TIMESTAMPTZ,
		mentions         TEXT[],
		attachments      TEXT[],
		jump_link        TEXT,
		token_count      INTEGER,
		allowed_role_ids TEXT[],
		allowed_user_ids TEXT[]
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_guild_created ON messages (guild_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS message_windows (
		window_id   TEXT PRIMARY KEY,
		guild_id    TEXT NOT NULL,
		category_id TEXT,
		channel_id  TEXT NOT NULL,
		thread_id   TEXT,
		date        DATE NOT NULL,
		window_seq  INTEGER NOT NULL,
		message_ids TEXT[] NOT NULL,
		start_at    TIMESTAMPTZ NOT NULL,
		end_at      TIMESTAMPTZ NOT NULL,
		token_est   INTEGER,
		text        TEXT,
		UNIQUE (channel_id, date, window_seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_message_windows_guild ON message_windows (guild_id)`,

	`CREATE TABLE IF NOT EXISTS message_embeddings (
		window_id  TEXT PRIMARY KEY REFERENCES message_windows(window_id) ON DELETE CASCADE,
		embedding  halfvec(3072) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw
		ON message_embeddings USING hnsw (embedding halfvec_cosine_ops)
		WITH (m = 16, ef_construction = 64)`,

	`CREATE TABLE IF NOT EXISTS embed_queue (
		id         BIGSERIAL PRIMARY KEY,
		window_id  TEXT NOT NULL UNIQUE REFERENCES message_windows(window_id) ON DELETE CASCADE,
		priority   INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL DEFAULT 'ready',
		attempts   INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_embed_queue_ready
		ON embed_queue (priority DESC, updated_at ASC) WHERE status = 'ready'`,

	`CREATE TABLE IF NOT EXISTS sync_operations (
		id           UUID PRIMARY KEY,
		guild_id     TEXT NOT NULL,
		scope        TEXT NOT NULL,
		mode         TEXT NOT NULL,
		target_ids   TEXT[],
		since        TIMESTAMPTZ,
		requested_by TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'queued',
		progress     JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sync_operations_queued
		ON sync_operations (created_at) WHERE status = 'queued'`,

	`CREATE TABLE IF NOT EXISTS sync_cursors (
		guild_id        TEXT PRIMARY KEY,
		last_message_id TEXT,
		last_synced_at  TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS sync_chunks (
		id         BIGSERIAL PRIMARY KEY,
		op_id      UUID NOT NULL REFERENCES sync_operations(id) ON DELETE CASCADE,
		target_id  TEXT NOT NULL,
		date       DATE,
		cursor     TEXT,
		status     TEXT NOT NULL DEFAULT 'pending',
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Read-only RPC used by retrieval. similarity = 1 - cosine distance.
	`CREATE OR REPLACE FUNCTION match_windows_in_guild(
		query_embedding halfvec(3072),
		p_guild_id TEXT,
		p_limit INTEGER DEFAULT 200
	) RETURNS TABLE (window_id TEXT, similarity DOUBLE PRECISION)
	LANGUAGE sql STABLE AS $$
		SELECT w.window_id,
		       1 - (e.embedding <=> query_embedding) AS similarity
		FROM message_embeddings e
		JOIN message_windows w ON w.window_id = e.window_id
		WHERE w.guild_id = p_guild_id
		ORDER BY e.embedding <=> query_embedding ASC
		LIMIT p_limit
	$$`,
}

// initSchema creates tables, indexes and the vector search function.
func initSchema(db *sql.DB) error {
	L_debug("store: initializing schema")
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	L_debug("store: schema ready")
	return nil
}
