package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// InsertOperation enqueues a new sync operation with status queued.
func (s *Store) InsertOperation(ctx context.Context, op SyncOperation) error {
	progress, err := json.Marshal(op.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, guild_id, scope, mode, target_ids, since, requested_by, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8)
	`, op.ID, op.GuildID, op.Scope, op.Mode, pq.Array(op.TargetIDs), nullTime(op.Since), op.RequestedBy, progress)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// ClaimNextOperation transitions the oldest queued operation to running
// and returns it. The conditional update makes the claim safe under
// multiple runners; a losing updater gets nil, nil.
func (s *Store) ClaimNextOperation(ctx context.Context) (*SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sync_operations SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM sync_operations
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING id, guild_id, scope, mode, target_ids, since, requested_by, status, progress, created_at, updated_at
	`)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim operation: %w", err)
	}
	return op, nil
}

// GetOperation reads one operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (*SyncOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, scope, mode, target_ids, since, requested_by, status, progress, created_at, updated_at
		FROM sync_operations WHERE id = $1
	`, id)

	op, err := scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// UpdateOperationProgress overwrites the progress blob of a running
// operation.
func (s *Store) UpdateOperationProgress(ctx context.Context, id string, p Progress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_operations SET progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// CompleteOperation transitions running -> completed with processed = 100.
func (s *Store) CompleteOperation(ctx context.Context, id string) error {
	progress, _ := json.Marshal(Progress{Processed: 100, Total: 100, Message: "completed"})
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'completed', progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, progress)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	return nil
}

// FailOperation transitions running -> failed, recording the error text in
// progress.message.
func (s *Store) FailOperation(ctx context.Context, id string, reason string) error {
	progress, _ := json.Marshal(Progress{Message: reason})
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'failed', progress = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, progress)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	return nil
}

// ResetStaleRunning requeues running operations not updated for olderThan.
// A crashed process leaves jobs pinned at running; this sweep returns them
// to the queue. Returns how many rows were reset.
func (s *Store) ResetStaleRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations SET status = 'queued', updated_at = now()
		WHERE status = 'running' AND updated_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reset stale running: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanOperation(row *sql.Row) (*SyncOperation, error) {
	var op SyncOperation
	var since sql.NullTime
	var progress []byte

	err := row.Scan(&op.ID, &op.GuildID, &op.Scope, &op.Mode,
		pq.Array(&op.TargetIDs), &since, &op.RequestedBy, &op.Status,
		&progress, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if since.Valid {
		t := since.Time
		op.Since = &t
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &op.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return &op, nil
}
