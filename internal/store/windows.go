package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// UpsertWindows writes windows on conflict (channel_id, date, window_seq),
// keeping the existing window_id when a slot is re-chunked. The returned
// ids are the ids actually stored, in input order; those are the ids the
// caller enqueues for embedding.
func (s *Store) UpsertWindows(ctx context.Context, windows []Window) ([]string, error) {
	if len(windows) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_windows (
			window_id, guild_id, category_id, channel_id, thread_id,
			date, window_seq, message_ids, start_at, end_at, token_est, text
		) VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (channel_id, date, window_seq) DO UPDATE SET
			message_ids = EXCLUDED.message_ids,
			start_at    = EXCLUDED.start_at,
			end_at      = EXCLUDED.end_at,
			token_est   = EXCLUDED.token_est,
			text        = EXCLUDED.text
		RETURNING window_id
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(windows))
	for _, w := range windows {
		var id string
		err := stmt.QueryRowContext(ctx,
			w.ID, w.GuildID, nullStr(w.CategoryID), w.ChannelID, nullStr(w.ThreadID),
			w.Date, w.Seq, pq.Array(w.MessageIDs), w.StartAt, w.EndAt,
			w.TokenEst, nullStr(w.Text),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert window %s/%s#%d: %w", w.ChannelID, w.Date, w.Seq, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetWindowsByIDs fetches window rows for the given ids, keyed by id.
func (s *Store) GetWindowsByIDs(ctx context.Context, ids []string) (map[string]Window, error) {
	if len(ids) == 0 {
		return map[string]Window{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, guild_id, COALESCE(category_id, ''), channel_id,
		       COALESCE(thread_id, ''), date::text, window_seq, message_ids,
		       start_at, end_at, COALESCE(token_est, 0), COALESCE(text, '')
		FROM message_windows WHERE window_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	windows := make(map[string]Window, len(ids))
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.GuildID, &w.CategoryID, &w.ChannelID,
			&w.ThreadID, &w.Date, &w.Seq, pq.Array(&w.MessageIDs),
			&w.StartAt, &w.EndAt, &w.TokenEst, &w.Text); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows[w.ID] = w
	}
	return windows, rows.Err()
}

// GetWindowText returns the stored text and message id list for one
// window. Returns sql.ErrNoRows when the window is gone.
func (s *Store) GetWindowText(ctx context.Context, windowID string) (string, []string, error) {
	var text sql.NullString
	var messageIDs []string
	err := s.db.QueryRowContext(ctx, `
		SELECT text, message_ids FROM message_windows WHERE window_id = $1
	`, windowID).Scan(&text, pq.Array(&messageIDs))
	if err != nil {
		return "", nil, err
	}
	return text.String, messageIDs, nil
}
