package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ynishimura/guildrag/internal/config"
)

// Reranker reorders candidate documents by relevance to a query and
// returns the indices of the top picks, best first.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error)
	TopK() int
}

// NewReranker builds the configured reranker, or nil for provider "none".
func NewReranker(cfg config.RerankConfig) Reranker {
	switch cfg.Provider {
	case "cohere":
		return &cohereReranker{
			apiKey: cfg.APIKey,
			model:  cfg.Model,
			topK:   cfg.TopK,
			client: &http.Client{Timeout: 15 * time.Second},
		}
	default:
		return nil
	}
}

const cohereRerankURL = "https://api.cohere.com/v2/rerank"

type cohereReranker struct {
	apiKey string
	model  string
	topK   int
	client *http.Client
}

func (c *cohereReranker) TopK() int { return c.topK }

func (c *cohereReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":     c.model,
		"query":     query,
		"documents": docs,
		"top_n":     topK,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cohereRerankURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cohere rerank: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Results []struct {
			Index int `json:"index"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("cohere rerank: decode: %w", err)
	}

	order := make([]int, len(parsed.Results))
	for i, r := range parsed.Results {
		order[i] = r.Index
	}
	return order, nil
}
