package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCursor reads the sync cursor for a guild. Returns nil, nil when the
// guild has never completed a sync (which selects full mode).
func (s *Store) GetCursor(ctx context.Context, guildID string) (*Cursor, error) {
	var c Cursor
	var lastID sql.NullString
	var lastAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT guild_id, last_message_id, last_synced_at
		FROM sync_cursors WHERE guild_id = $1
	`, guildID).Scan(&c.GuildID, &lastID, &lastAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	c.LastMessageID = lastID.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastSyncedAt = &t
	}
	return &c, nil
}

// UpsertCursor records the high-water mark after a successful sync.
func (s *Store) UpsertCursor(ctx context.Context, guildID, lastMessageID string, lastSyncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (guild_id, last_message_id, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id) DO UPDATE SET
			last_message_id = EXCLUDED.last_message_id,
			last_synced_at  = EXCLUDED.last_synced_at
	`, guildID, nullStr(lastMessageID), lastSyncedAt)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}
