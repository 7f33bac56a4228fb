package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// UpsertEmbedding writes the vector for a window, overwriting any earlier
// one. At most one embedding exists per window.
func (s *Store) UpsertEmbedding(ctx context.Context, windowID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_embeddings (window_id, embedding, updated_at)
		VALUES ($1, $2::halfvec, now())
		ON CONFLICT (window_id) DO UPDATE SET
			embedding  = EXCLUDED.embedding,
			updated_at = now()
	`, windowID, encodeVector(embedding))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// MatchWindowsInGuild calls the vector RPC. Results come back ordered by
// ascending cosine distance; similarity = 1 - cosine distance.
func (s *Store) MatchWindowsInGuild(ctx context.Context, embedding []float32, guildID string, limit int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_id, similarity FROM match_windows_in_guild($1::halfvec, $2, $3)
	`, encodeVector(embedding), guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("match windows: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.WindowID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// encodeVector renders a pgvector literal: [0.1,0.2,...]
func encodeVector(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v)*10 + 2)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
