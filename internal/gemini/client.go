// Package gemini wraps the Gemini API for embeddings, token counting and
// answer generation. Multiple API keys form a pool of equivalent
// credentials; a key is chosen uniformly at random per call.
package gemini

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ynishimura/guildrag/internal/config"
	. "github.com/ynishimura/guildrag/internal/logging"
	"google.golang.org/genai"
)

// Client is a key-rotating Gemini client.
type Client struct {
	clients []*genai.Client
	cfg     config.GeminiConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient builds one underlying genai client per configured API key.
func NewClient(ctx context.Context, cfg config.GeminiConfig, seed int64) (*Client, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("no gemini api keys configured")
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = 3072
	}

	clients := make([]*genai.Client, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		cl, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		clients = append(clients, cl)
	}

	L_info("gemini: client pool ready",
		"keys", len(clients),
		"chatModel", cfg.ChatModel,
		"embeddingModel", cfg.EmbeddingModel,
		"dimensions", cfg.EmbeddingDim,
	)

	return &Client{
		clients: clients,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// pick returns a random client from the pool. Stateless load balancing,
// no sticky sessions.
func (c *Client) pick() *genai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[c.rng.Intn(len(c.clients))]
}

// jitterSeconds returns a uniform value in [0, n).
func (c *Client) jitterSeconds(n float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() * n
}

// Dimensions returns the configured embedding dimensionality.
func (c *Client) Dimensions() int {
	return c.cfg.EmbeddingDim
}
