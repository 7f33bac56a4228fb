// guildrag syncs a Discord guild's history into Postgres, embeds it with
// Gemini and answers questions grounded in the retrieved conversations.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ynishimura/guildrag/internal/chunker"
	"github.com/ynishimura/guildrag/internal/commands"
	"github.com/ynishimura/guildrag/internal/config"
	"github.com/ynishimura/guildrag/internal/discord"
	"github.com/ynishimura/guildrag/internal/embedworker"
	httpserver "github.com/ynishimura/guildrag/internal/http"
	"github.com/ynishimura/guildrag/internal/intake"
	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/retrieval"
	"github.com/ynishimura/guildrag/internal/store"
	"github.com/ynishimura/guildrag/internal/syncrun"
	"github.com/ynishimura/guildrag/internal/tokens"

	"github.com/ynishimura/guildrag/internal/gemini"
)

func main() {
	Init(&Config{Level: logLevelFromEnv()})

	cfg, err := config.Load()
	if err != nil {
		L_fatal("config: %v", err)
	}

	ctx := context.Background()

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		L_fatal("store: %v", err)
	}
	defer st.Close()

	gem, err := gemini.NewClient(ctx, cfg.Gemini, time.Now().UnixNano())
	if err != nil {
		L_fatal("gemini: %v", err)
	}

	counter := tokens.New(tokens.Options{
		MaxTokens:    cfg.Tokens.MaxInputTokens,
		SafetyMargin: cfg.Tokens.SafetyMargin,
		Remote:       gem,
	})

	engine := chunker.New(chunker.Config{
		MaxTokensPerWindow: cfg.Chunking.MaxTokensPerWindow,
		SoftGapMinutes:     cfg.Chunking.SoftGapMinutes,
		OverlapMessages:    cfg.Chunking.OverlapMessages,
	}, counter)

	source := discord.New(cfg.Discord.Token)

	runner := syncrun.New(st, source, engine, syncrun.Options{
		FetchConcurrency:  cfg.Discord.FetchConcurrency,
		ThreadConcurrency: cfg.Discord.FetchConcurrency,
	})

	worker := embedworker.New(st, gem, counter, embedworker.Options{})

	answerer := retrieval.New(st, gem, retrieval.NewReranker(cfg.Rerank), retrieval.Options{
		ContextLimit: cfg.Retrieval.TopCandidatesLimit,
	})

	svc := intake.New(st, answerer)
	server := httpserver.New(cfg.Port, svc, commands.New(svc))

	runner.Start()
	worker.Start()
	server.Start()
	L_info("guildrag: ready", "port", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	L_info("guildrag: shutting down")
	server.Stop()
	runner.Stop()
	worker.Stop()
}

func logLevelFromEnv() int {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
