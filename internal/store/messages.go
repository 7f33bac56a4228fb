package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// UpsertMessages writes one batch of messages, overwriting by message_id
// so edits replace earlier content. The whole batch is one transaction.
func (s *Store) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (
			message_id, guild_id, category_id, channel_id, thread_id,
			author_id, content_md, content_plain, created_at, edited_at,
			deleted_at, mentions, attachments, jump_link, token_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (message_id) DO UPDATE SET
			content_md    = EXCLUDED.content_md,
			content_plain = EXCLUDED.content_plain,
			edited_at     = EXCLUDED.edited_at,
			deleted_at    = EXCLUDED.deleted_at,
			mentions      = EXCLUDED.mentions,
			attachments   = EXCLUDED.attachments,
			jump_link     = EXCLUDED.jump_link,
			token_count   = EXCLUDED.token_count
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		_, err := stmt.ExecContext(ctx,
			m.ID, m.GuildID, nullStr(m.CategoryID), m.ChannelID, nullStr(m.ThreadID),
			nullStr(m.AuthorID), nullStr(m.ContentMD), nullStr(m.ContentPlain),
			m.CreatedAt, nullTime(m.EditedAt), nullTime(m.DeletedAt),
			pq.Array(m.Mentions), pq.Array(m.Attachments),
			nullStr(m.JumpLink), m.TokenCount,
		)
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// GetMessageContents returns content_plain for the given ids, keyed by id.
// Missing ids are simply absent from the result (reference drift between
// windows and messages degrades gracefully).
func (s *Store) GetMessageContents(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, COALESCE(content_plain, '')
		FROM messages WHERE message_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query contents: %w", err)
	}
	defer rows.Close()

	contents := make(map[string]string, len(ids))
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		contents[id] = content
	}
	return contents, rows.Err()
}
