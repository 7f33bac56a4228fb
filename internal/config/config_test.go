package config

import "testing"

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/guildrag")
	t.Setenv("GEMINI_API_KEY", "key-1")
	t.Setenv("DISCORD_TOKEN", "bot-token")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gemini.EmbeddingDim != 3072 {
		t.Errorf("EmbeddingDim = %d", cfg.Gemini.EmbeddingDim)
	}
	if cfg.Chunking.MaxTokensPerWindow != 1200 {
		t.Errorf("MaxTokensPerWindow = %d", cfg.Chunking.MaxTokensPerWindow)
	}
	if cfg.Chunking.SoftGapMinutes != 5 {
		t.Errorf("SoftGapMinutes = %d", cfg.Chunking.SoftGapMinutes)
	}
	if cfg.Rerank.Provider != "none" {
		t.Errorf("Rerank.Provider = %q", cfg.Rerank.Provider)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("DISCORD_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("missing credentials accepted")
	}
}

func TestCohereProviderRequiresKey(t *testing.T) {
	setRequired(t)
	t.Setenv("RERANK_PROVIDER", "cohere")
	t.Setenv("COHERE_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("cohere provider without a key accepted")
	}
}

func TestGeminiKeyPool(t *testing.T) {
	setRequired(t)
	t.Setenv("GEMINI_API_KEY2", "key-2")
	t.Setenv("GEMINI_API_KEY5", "key-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Gemini.APIKeys) != 3 {
		t.Fatalf("pool size = %d, want 3", len(cfg.Gemini.APIKeys))
	}
	if cfg.Gemini.APIKeys[0] != "key-1" {
		t.Errorf("primary key first, got %q", cfg.Gemini.APIKeys[0])
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("SOME_INT", "42")
	if got := envInt("SOME_INT", 7); got != 42 {
		t.Errorf("envInt = %d", got)
	}
	t.Setenv("SOME_INT", "not a number")
	if got := envInt("SOME_INT", 7); got != 7 {
		t.Errorf("bad value should fall back, got %d", got)
	}
	if got := envInt("UNSET_INT", 7); got != 7 {
		t.Errorf("unset should fall back, got %d", got)
	}
}
