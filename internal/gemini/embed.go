package gemini

import (
	"context"
	"fmt"
	"math"
	"time"

	. "github.com/ynishimura/guildrag/internal/logging"
	"google.golang.org/genai"
)

const embedAttempts = 10

// EmbedWindow embeds window text for indexing.
func (c *Client) EmbedWindow(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, "embedWindow")
}

// EmbedQuery embeds a search query. Identical semantics to EmbedWindow,
// distinct log label.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, "embedQuery")
}

func (c *Client) embed(ctx context.Context, text, label string) ([]float32, error) {
	dim := int32(c.cfg.EmbeddingDim)

	var lastErr error
	for attempt := 0; attempt < embedAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration((math.Pow(2, float64(attempt)) + c.jitterSeconds(2)) * float64(time.Second))
			L_debug("gemini: retrying", "op", label, "attempt", attempt, "wait", wait.Round(time.Millisecond).String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.pick().Models.EmbedContent(ctx, c.cfg.EmbeddingModel,
			genai.Text(text),
			&genai.EmbedContentConfig{OutputDimensionality: &dim},
		)
		if err != nil {
			if !IsRetryable(err) {
				L_error("gemini: embed failed", "op", label, "error", err)
				return nil, err
			}
			lastErr = err
			L_warn("gemini: transient embed failure", "op", label, "attempt", attempt+1, "error", err)
			continue
		}

		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
			return nil, fmt.Errorf("empty embedding response")
		}
		return resp.Embeddings[0].Values, nil
	}

	return nil, fmt.Errorf("%s: retries exhausted: %w", label, lastErr)
}

// CountTokens counts tokens for text against the chat model. Satisfies
// tokens.RemoteCounter.
func (c *Client) CountTokens(ctx context.Context, text string) (int, error) {
	resp, err := c.pick().Models.CountTokens(ctx, c.cfg.ChatModel, genai.Text(text), nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}
