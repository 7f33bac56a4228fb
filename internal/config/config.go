// Package config loads and validates the guildrag configuration from the
// environment. A local .env file is honoured when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the single validated configuration value passed to constructors.
type Config struct {
	Discord   DiscordConfig
	Database  DatabaseConfig
	Gemini    GeminiConfig
	Rerank    RerankConfig
	Chunking  ChunkingConfig
	Tokens    TokenConfig
	Retrieval RetrievalConfig
	Port      int
}

type DiscordConfig struct {
	Token            string
	AppID            string
	PublicKey        string
	FetchConcurrency int
}

type DatabaseConfig struct {
	URL         string
	SupabaseURL string
	SupabaseKey string
}

type GeminiConfig struct {
	APIKeys        []string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int
}

type RerankConfig struct {
	Provider string // "none", "cohere"
	Model    string
	TopK     int
	APIKey   string
}

type ChunkingConfig struct {
	MaxTokensPerWindow int
	SoftGapMinutes     int
	OverlapMessages    int
}

type TokenConfig struct {
	MaxInputTokens int
	SafetyMargin   int
}

type RetrievalConfig struct {
	TopCandidatesLimit int
}

// Load reads configuration from the environment, applying defaults.
// Missing required credentials are reported as an error so the caller
// can fail fast at bootstrap.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Discord: DiscordConfig{
			Token:            os.Getenv("DISCORD_TOKEN"),
			AppID:            os.Getenv("DISCORD_APP_ID"),
			PublicKey:        os.Getenv("DISCORD_PUBLIC_KEY"),
			FetchConcurrency: envInt("DISCORD_FETCH_CONCURRENCY", 15),
		},
		Database: DatabaseConfig{
			URL:         os.Getenv("DATABASE_URL"),
			SupabaseURL: os.Getenv("SUPABASE_URL"),
			SupabaseKey: os.Getenv("SUPABASE_ANON_KEY"),
		},
		Gemini: GeminiConfig{
			APIKeys:        geminiKeys(),
			ChatModel:      envStr("CHAT_MODEL", "gemini-2.5-flash-lite"),
			EmbeddingModel: envStr("EMBEDDING_MODEL", "gemini-embedding-001"),
			EmbeddingDim:   envInt("EMBEDDING_DIM", 3072),
		},
		Rerank: RerankConfig{
			Provider: envStr("RERANK_PROVIDER", "none"),
			Model:    envStr("RERANK_MODEL", "rerank-multilingual-v3.0"),
			TopK:     envInt("RERANK_TOPK", 5),
			APIKey:   os.Getenv("COHERE_API_KEY"),
		},
		Chunking: ChunkingConfig{
			MaxTokensPerWindow: envInt("MAX_TOKENS_PER_WINDOW", 1200),
			SoftGapMinutes:     envInt("SOFT_GAP_MINUTES", 5),
			OverlapMessages:    envInt("OVERLAP_MESSAGES", 0),
		},
		Tokens: TokenConfig{
			MaxInputTokens: envInt("MAX_INPUT_TOKENS", 2048),
			SafetyMargin:   envInt("LLM_TOKEN_SAFETY_MARGIN", 128),
		},
		Retrieval: RetrievalConfig{
			TopCandidatesLimit: envInt("TOP_CANDIDATES_LIMIT", 50),
		},
		Port: envInt("PORT", 8080),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.Gemini.APIKeys) == 0 {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.Discord.Token == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.Rerank.Provider == "cohere" && c.Rerank.APIKey == "" {
		return fmt.Errorf("COHERE_API_KEY is required when RERANK_PROVIDER=cohere")
	}
	return nil
}

// geminiKeys collects the credential pool: GEMINI_API_KEY plus
// GEMINI_API_KEY2 through GEMINI_API_KEY20.
func geminiKeys() []string {
	var keys []string
	if k := os.Getenv("GEMINI_API_KEY"); k != "" {
		keys = append(keys, k)
	}
	for i := 2; i <= 20; i++ {
		if k := os.Getenv(fmt.Sprintf("GEMINI_API_KEY%d", i)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
