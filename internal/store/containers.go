package store

import (
	"context"
	"fmt"
)

// UpsertChannels registers observed channels. Containers are never hard
// deleted; re-observation refreshes metadata and last_scanned_at. Scoped
// syncs name channels by bare id, so NULL metadata never overwrites what
// an earlier listing recorded.
func (s *Store) UpsertChannels(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channels (channel_id, guild_id, category_id, name, type, last_scanned_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			category_id     = COALESCE(EXCLUDED.category_id, channels.category_id),
			name            = COALESCE(EXCLUDED.name, channels.name),
			type            = COALESCE(EXCLUDED.type, channels.type),
			last_scanned_at = now()
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ch := range channels {
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.GuildID, nullStr(ch.CategoryID), nullStr(ch.Name), nullStr(ch.Type)); err != nil {
			return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertThreads registers observed threads, archived ones included.
func (s *Store) UpsertThreads(ctx context.Context, threads []Thread) error {
	if len(threads) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threads (thread_id, guild_id, channel_id, name, archived, last_scanned_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (thread_id) DO UPDATE SET
			name            = COALESCE(EXCLUDED.name, threads.name),
			archived        = EXCLUDED.archived,
			last_scanned_at = now()
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, th := range threads {
		if _, err := stmt.ExecContext(ctx, th.ID, th.GuildID, th.ChannelID, nullStr(th.Name), th.Archived); err != nil {
			return fmt.Errorf("upsert thread %s: %w", th.ID, err)
		}
	}
	return tx.Commit()
}

// RecordSyncChunk checkpoints one container fetch within an operation.
func (s *Store) RecordSyncChunk(ctx context.Context, chunk SyncChunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_chunks (op_id, target_id, date, cursor, status, attempts, last_error, updated_at)
		VALUES ($1, $2, NULLIF($3, '')::date, $4, $5, $6, $7, now())
	`, chunk.OpID, chunk.TargetID, chunk.Date, nullStr(chunk.Cursor), chunk.Status, chunk.Attempts, nullStr(chunk.LastError))
	if err != nil {
		return fmt.Errorf("record sync chunk: %w", err)
	}
	return nil
}
