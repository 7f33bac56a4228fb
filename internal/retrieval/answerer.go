// Package retrieval answers questions over synchronized guild history:
// embed the query, match windows by vector similarity, optionally rerank,
// then ground a model answer in the selected windows.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ynishimura/guildrag/internal/apperr"
	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
)

// Store is the slice of the relational store the answerer reads.
type Store interface {
	MatchWindowsInGuild(ctx context.Context, embedding []float32, guildID string, limit int) ([]store.Match, error)
	GetWindowsByIDs(ctx context.Context, ids []string) (map[string]store.Window, error)
}

// LLM embeds queries and generates grounded answers.
type LLM interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures retrieval. Zero values take defaults.
type Options struct {
	MatchLimit   int // vector RPC limit, default 200
	ContextLimit int // windows kept before rerank, default 15
	CiteLimit    int // citations on the reply, default 3
}

func (o Options) withDefaults() Options {
	if o.MatchLimit <= 0 {
		o.MatchLimit = 200
	}
	if o.ContextLimit <= 0 {
		o.ContextLimit = 15
	}
	if o.CiteLimit <= 0 {
		o.CiteLimit = 3
	}
	return o
}

// Citation points a reply back at the conversation it came from.
type Citation struct {
	Label    string `json:"label"`
	JumpLink string `json:"jumpLink"`
}

// Answer is one grounded reply.
type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
	LatencyMS int64      `json:"latencyMs"`
}

// Answerer runs the retrieve-rerank-generate pipeline.
type Answerer struct {
	store    Store
	llm      LLM
	reranker Reranker
	opts     Options
	loc      *time.Location
}

// New creates an Answerer. reranker may be nil to skip reranking.
func New(st Store, llm LLM, reranker Reranker, opts Options) *Answerer {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		loc = time.UTC
	}
	return &Answerer{
		store:    st,
		llm:      llm,
		reranker: reranker,
		opts:     opts.withDefaults(),
		loc:      loc,
	}
}

const noContextAnswer = "まだこのサーバーの履歴が同期されていないため、お答えできる情報がありません。先に /sync を実行してください。"

// Ask answers question for userID against guildID's synchronized history.
func (a *Answerer) Ask(ctx context.Context, guildID, userID, question string) (*Answer, error) {
	start := time.Now()

	queryVec, err := a.llm.EmbedQuery(ctx, question)
	if err != nil {
		return nil, apperr.New(apperr.CodeChatFailed, err).With("stage", "embed")
	}

	// A vector RPC failure degrades to an empty candidate set; the user
	// gets the no-context reply instead of an error.
	matches, err := a.store.MatchWindowsInGuild(ctx, queryVec, guildID, a.opts.MatchLimit)
	if err != nil {
		L_warn("retrieval: vector match failed, answering without context", "guild", guildID, "error", err)
		matches = nil
	}
	if len(matches) == 0 {
		return &Answer{Text: noContextAnswer, LatencyMS: time.Since(start).Milliseconds()}, nil
	}

	windows, err := a.fetchOrdered(ctx, matches)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return &Answer{Text: noContextAnswer, LatencyMS: time.Since(start).Milliseconds()}, nil
	}

	if len(windows) > a.opts.ContextLimit {
		windows = windows[:a.opts.ContextLimit]
	}
	windows = a.rerank(ctx, question, windows)

	answer, err := a.llm.Generate(ctx, a.buildPrompt(userID, question, windows))
	if err != nil {
		return nil, apperr.New(apperr.CodeChatFailed, err).With("stage", "generate")
	}

	latency := time.Since(start).Milliseconds()
	L_info("retrieval: answered", "guild", guildID, "windows", len(windows), "latencyMs", latency)

	return &Answer{
		Text:      answer,
		Citations: a.citations(windows),
		LatencyMS: latency,
	}, nil
}

// fetchOrdered hydrates matched windows, preserving the RPC's similarity
// order and dropping ids whose windows were re-chunked away.
func (a *Answerer) fetchOrdered(ctx context.Context, matches []store.Match) ([]store.Window, error) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.WindowID
	}

	byID, err := a.store.GetWindowsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.New(apperr.CodeWindowFetchFailed, err)
	}

	windows := make([]store.Window, 0, len(matches))
	for _, m := range matches {
		if w, ok := byID[m.WindowID]; ok {
			windows = append(windows, w)
		}
	}
	return windows, nil
}

// rerank reorders and trims windows through the reranker when one is
// configured. Rerank trouble never fails the question; the similarity
// order already in hand is the fallback.
func (a *Answerer) rerank(ctx context.Context, question string, windows []store.Window) []store.Window {
	if a.reranker == nil {
		return windows
	}

	docs := make([]string, len(windows))
	for i, w := range windows {
		docs[i] = w.Text
	}

	topK := a.reranker.TopK()
	if topK <= 0 || topK > len(windows) {
		topK = len(windows)
	}

	order, err := a.reranker.Rerank(ctx, question, docs, topK)
	if err != nil {
		L_warn("retrieval: rerank failed, keeping similarity order", "error", err)
		return windows[:topK]
	}

	picked := make([]store.Window, 0, len(order))
	for _, idx := range order {
		if idx >= 0 && idx < len(windows) {
			picked = append(picked, windows[idx])
		}
	}
	if len(picked) == 0 {
		return windows[:topK]
	}
	return picked
}

func (a *Answerer) buildPrompt(userID, question string, windows []store.Window) string {
	var sb strings.Builder
	sb.WriteString("あなたはDiscordサーバーの会話履歴に基づいて質問に答えるアシスタントです。\n")
	sb.WriteString("以下のコンテキストだけを根拠に、質問者と同じ言語で簡潔に答えてください。\n")
	sb.WriteString("コンテキストに答えがない場合は、わからないと正直に答えてください。\n\n")
	sb.WriteString("# コンテキスト\n")
	for i, w := range windows {
		fmt.Fprintf(&sb, "[#%d] (%s – %s)\n%s\n\n",
			i+1,
			w.StartAt.In(a.loc).Format("2006-01-02 15:04"),
			w.EndAt.In(a.loc).Format("2006-01-02 15:04"),
			w.Text)
	}
	fmt.Fprintf(&sb, "# 質問 (from <@%s>)\n%s\n", userID, question)
	return sb.String()
}

// citations builds jump links for the leading context windows.
func (a *Answerer) citations(windows []store.Window) []Citation {
	limit := a.opts.CiteLimit
	if limit > len(windows) {
		limit = len(windows)
	}

	cites := make([]Citation, 0, limit)
	for i := 0; i < limit; i++ {
		w := windows[i]
		if len(w.MessageIDs) == 0 {
			continue
		}
		container := w.ChannelID
		if w.ThreadID != "" {
			container = w.ThreadID
		}
		cites = append(cites, Citation{
			Label:    fmt.Sprintf("[#%d] %s", i+1, w.StartAt.In(a.loc).Format("2006-01-02 15:04")),
			JumpLink: fmt.Sprintf("https://discord.com/channels/%s/%s/%s", w.GuildID, container, w.MessageIDs[0]),
		})
	}
	return cites
}
