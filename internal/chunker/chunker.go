// Package chunker groups an ordered message sequence from one channel-date
// (or thread-date) partition into token-bounded windows with soft temporal
// boundaries.
package chunker

import (
	"context"
	"strings"
	"time"

	"github.com/ynishimura/guildrag/internal/tokens"
)

// Message is one chunking input.
type Message struct {
	ID         string
	Content    string
	CreatedAt  time.Time
	IsTopLevel bool
}

// Window is one chunking output. Seq starts at 1 and increments per emit
// within a partition.
type Window struct {
	Seq        int
	MessageIDs []string
	Text       string
	StartAt    time.Time
	EndAt      time.Time
	TokenEst   int
	Truncated  bool
}

// Config controls window boundaries. Zero values take defaults.
type Config struct {
	MaxTokensPerWindow int // default 1200
	SoftGapMinutes     int // default 5
	OverlapMessages    int // default 0
}

// Engine is a deterministic chunker: identical input and config yield
// byte-identical windows.
type Engine struct {
	cfg     Config
	counter *tokens.Counter
}

// New creates an Engine. counter supplies both the cheap token estimate
// used for the running budget and the limit enforcement applied at flush.
func New(cfg Config, counter *tokens.Counter) *Engine {
	if cfg.MaxTokensPerWindow <= 0 {
		cfg.MaxTokensPerWindow = 1200
	}
	if cfg.SoftGapMinutes <= 0 {
		cfg.SoftGapMinutes = 5
	}
	if cfg.OverlapMessages < 0 {
		cfg.OverlapMessages = 0
	}
	return &Engine{cfg: cfg, counter: counter}
}

// Chunk runs the single-pass windowing algorithm. Messages must already be
// ordered ascending by CreatedAt; emission preserves that order.
func (e *Engine) Chunk(ctx context.Context, msgs []Message) []Window {
	var (
		windows []Window
		buffer  []Message
		budget  int
		lastAt  time.Time
		seq     int
	)

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		seq++
		windows = append(windows, e.emit(ctx, seq, buffer))

		// Carry the trailing overlap into the next buffer.
		overlap := e.cfg.OverlapMessages
		if overlap > len(buffer) {
			overlap = len(buffer)
		}
		carried := buffer[len(buffer)-overlap:]
		buffer = append([]Message(nil), carried...)
		budget = 0
		for _, m := range buffer {
			budget += e.counter.Estimate(m.Content)
		}
	}

	for _, m := range msgs {
		cost := e.counter.Estimate(m.Content)
		wouldOverflow := budget+cost > e.cfg.MaxTokensPerWindow

		softBreak := m.IsTopLevel
		if !softBreak && !lastAt.IsZero() {
			gap := m.CreatedAt.Sub(lastAt)
			softBreak = gap > time.Duration(e.cfg.SoftGapMinutes)*time.Minute
		}

		if len(buffer) > 0 && (wouldOverflow || softBreak) {
			flush()
		}

		buffer = append(buffer, m)
		budget += cost
		lastAt = m.CreatedAt
	}

	if len(buffer) > 0 {
		seq++
		windows = append(windows, e.emit(ctx, seq, buffer))
	}

	return windows
}

// emit builds one window from the buffer: newline-joined text passed
// through the token limit, first/last timestamps, ordered ids.
func (e *Engine) emit(ctx context.Context, seq int, buffer []Message) Window {
	parts := make([]string, len(buffer))
	ids := make([]string, len(buffer))
	for i, m := range buffer {
		parts[i] = m.Content
		ids[i] = m.ID
	}

	res := e.counter.EnsureWithinLimit(ctx, strings.Join(parts, "\n"))

	return Window{
		Seq:        seq,
		MessageIDs: ids,
		Text:       res.Text,
		StartAt:    buffer[0].CreatedAt,
		EndAt:      buffer[len(buffer)-1].CreatedAt,
		TokenEst:   res.Tokens,
		Truncated:  res.Truncated,
	}
}
