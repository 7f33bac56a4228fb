package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// EnqueueWindows inserts one ready queue row per window id at the given
// priority. Duplicates are ignored; the UNIQUE(window_id) constraint keeps
// a window queued at most once.
func (s *Store) EnqueueWindows(ctx context.Context, windowIDs []string, priority int) error {
	if len(windowIDs) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embed_queue (window_id, priority, status)
		SELECT unnest($1::text[]), $2, 'ready'
		ON CONFLICT (window_id) DO NOTHING
	`, pq.Array(windowIDs), priority)
	if err != nil {
		return fmt.Errorf("enqueue windows: %w", err)
	}
	return nil
}

// ClaimReadyBatch selects up to limit ready rows ordered by priority then
// staleness. The embed worker is the sole queue-status writer, so reading
// is claiming.
func (s *Store) ClaimReadyBatch(ctx context.Context, limit int) ([]QueueRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, window_id, priority, status, attempts, updated_at
		FROM embed_queue
		WHERE status = 'ready'
		ORDER BY priority DESC, updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var batch []QueueRow
	for rows.Next() {
		var q QueueRow
		if err := rows.Scan(&q.ID, &q.WindowID, &q.Priority, &q.Status, &q.Attempts, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		batch = append(batch, q)
	}
	return batch, rows.Err()
}

// MarkQueueDone moves a row to done. The status guard keeps done and
// failed terminal.
func (s *Store) MarkQueueDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE embed_queue SET status = 'done', updated_at = now()
		WHERE id = $1 AND status = 'ready'
	`, id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkQueueFailed moves a row to failed (terminal).
func (s *Store) MarkQueueFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE embed_queue SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'ready'
	`, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// IncrementQueueAttempts bumps the attempt counter and returns the new
// value so the worker can decide between retry and terminal failure.
func (s *Store) IncrementQueueAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE embed_queue SET attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'ready'
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// CountPendingEmbeds counts ready queue rows whose windows belong to the
// guild. One join replaces the client-side id batching the orchestrator
// would otherwise need.
func (s *Store) CountPendingEmbeds(ctx context.Context, guildID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM embed_queue q
		JOIN message_windows w ON w.window_id = q.window_id
		WHERE q.status = 'ready' AND w.guild_id = $1
	`, guildID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}
