package chunker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ynishimura/guildrag/internal/tokens"
)

func testCounter() *tokens.Counter {
	return tokens.New(tokens.Options{MaxTokens: 4096, SafetyMargin: 128})
}

func at(min, sec int) time.Time {
	return time.Date(2026, 3, 1, 12, min, sec, 0, time.UTC)
}

func msg(id, content string, t time.Time) Message {
	return Message{ID: id, Content: content, CreatedAt: t}
}

func TestChunkEmpty(t *testing.T) {
	e := New(Config{}, testCounter())
	if got := e.Chunk(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected no windows, got %d", len(got))
	}
}

func TestChunkSoftGapBreaks(t *testing.T) {
	e := New(Config{SoftGapMinutes: 5}, testCounter())

	// m1 and m2 are seconds apart; m3 arrives after a 10 minute silence.
	windows := e.Chunk(context.Background(), []Message{
		msg("1", "morning", at(0, 0)),
		msg("2", "hello", at(0, 30)),
		msg("3", "back again", at(11, 0)),
	})

	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if got := windows[0].MessageIDs; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("first window ids = %v", got)
	}
	if got := windows[1].MessageIDs; len(got) != 1 || got[0] != "3" {
		t.Errorf("second window ids = %v", got)
	}
}

func TestChunkGapAtOrUnderThresholdDoesNotBreak(t *testing.T) {
	e := New(Config{SoftGapMinutes: 5}, testCounter())

	windows := e.Chunk(context.Background(), []Message{
		msg("1", "a", at(0, 0)),
		msg("2", "b", at(5, 0)), // exactly 5 minutes, not over
	})

	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
}

func TestChunkTopLevelForcesBreak(t *testing.T) {
	e := New(Config{}, testCounter())

	msgs := []Message{
		msg("1", "chatter", at(0, 0)),
		{ID: "2", Content: "new topic", CreatedAt: at(0, 10), IsTopLevel: true},
		msg("3", "reply", at(0, 20)),
	}
	windows := e.Chunk(context.Background(), msgs)

	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[1].MessageIDs[0] != "2" {
		t.Errorf("top-level message should start the second window, got %v", windows[1].MessageIDs)
	}
}

func TestChunkBudgetOverflowSplits(t *testing.T) {
	// Each message is far over a 10 token budget on its own, so every
	// message lands in its own window.
	e := New(Config{MaxTokensPerWindow: 10}, testCounter())

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 5)
	windows := e.Chunk(context.Background(), []Message{
		msg("1", long, at(0, 0)),
		msg("2", long, at(0, 10)),
		msg("3", long, at(0, 20)),
	})

	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if len(w.MessageIDs) != 1 {
			t.Errorf("window %d holds %d messages, want 1", i, len(w.MessageIDs))
		}
	}
}

func TestChunkSeqAndTimestamps(t *testing.T) {
	e := New(Config{SoftGapMinutes: 5}, testCounter())

	windows := e.Chunk(context.Background(), []Message{
		msg("1", "a", at(0, 0)),
		msg("2", "b", at(0, 30)),
		msg("3", "c", at(20, 0)),
	})

	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	for i, w := range windows {
		if w.Seq != i+1 {
			t.Errorf("window %d seq = %d, want %d", i, w.Seq, i+1)
		}
	}
	if !windows[0].StartAt.Equal(at(0, 0)) || !windows[0].EndAt.Equal(at(0, 30)) {
		t.Errorf("first window span = %v – %v", windows[0].StartAt, windows[0].EndAt)
	}
	if !windows[1].StartAt.Equal(at(20, 0)) {
		t.Errorf("second window start = %v", windows[1].StartAt)
	}
}

func TestChunkTextJoinsInOrder(t *testing.T) {
	e := New(Config{}, testCounter())

	windows := e.Chunk(context.Background(), []Message{
		msg("1", "first", at(0, 0)),
		msg("2", "second", at(0, 10)),
	})

	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	if windows[0].Text != "first\nsecond" {
		t.Errorf("text = %q", windows[0].Text)
	}
}

func TestChunkDeterministic(t *testing.T) {
	e := New(Config{SoftGapMinutes: 5}, testCounter())
	msgs := []Message{
		msg("1", "a", at(0, 0)),
		msg("2", "b", at(0, 30)),
		msg("3", "c", at(10, 0)),
	}

	first := e.Chunk(context.Background(), msgs)
	second := e.Chunk(context.Background(), msgs)

	if len(first) != len(second) {
		t.Fatalf("run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text || first[i].Seq != second[i].Seq {
			t.Errorf("window %d differs between runs", i)
		}
	}
}

func TestChunkOverlapCarriesTrailingMessages(t *testing.T) {
	e := New(Config{SoftGapMinutes: 5, OverlapMessages: 1}, testCounter())

	windows := e.Chunk(context.Background(), []Message{
		msg("1", "a", at(0, 0)),
		msg("2", "b", at(0, 30)),
		msg("3", "c", at(10, 0)), // gap break
	})

	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	second := windows[1].MessageIDs
	if len(second) != 2 || second[0] != "2" || second[1] != "3" {
		t.Errorf("second window ids = %v, want [2 3]", second)
	}
}
