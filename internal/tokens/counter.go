// Package tokens provides token counting: cheap local estimation via
// tiktoken, precise counting via the model API, and limit-aware truncation.
package tokens

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is cl100k_base, a reasonable subword vocabulary for
// local lower-bound estimates regardless of the remote model.
const DefaultEncoding = "cl100k_base"

const (
	remoteAttempts     = 5
	remoteBackoffStart = 250 * time.Millisecond

	// snapWindow bounds how far Truncate walks back looking for a break
	// character so we never cut mid-word.
	snapWindow = 100
)

// breakChars are preferred truncation boundaries, Japanese punctuation
// included since answers default to Japanese.
const breakChars = "\n。、.,) ]}"

// RemoteCounter counts tokens via the model API.
type RemoteCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// Result is the outcome of EnsureWithinLimit.
type Result struct {
	Text      string
	Tokens    int
	Truncated bool
}

// Counter estimates locally and counts precisely via a remote endpoint.
// Remote failures always degrade to local estimation; no operation on
// Counter returns an error.
type Counter struct {
	encoding *tiktoken.Tiktoken
	remote   RemoteCounter

	maxTokens    int
	safetyMargin int

	mu sync.RWMutex
}

// Options configures a Counter. Zero values take defaults.
type Options struct {
	MaxTokens    int // default 2048
	SafetyMargin int // default 128
	Remote       RemoteCounter
}

// New creates a Counter. The tiktoken encoding is loaded once; if loading
// fails the counter falls back to chars/4 estimation.
func New(opts Options) *Counter {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = 128
	}

	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		L_warn("tokens: failed to load encoding, using chars/4 fallback", "error", err)
	}

	return &Counter{
		encoding:     enc,
		remote:       opts.Remote,
		maxTokens:    opts.MaxTokens,
		safetyMargin: opts.SafetyMargin,
	}
}

// Estimate returns a local, zero-I/O token count lower bound.
func (c *Counter) Estimate(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// CountPrecise counts tokens via the remote endpoint, retrying transient
// failures with exponential backoff. On exhaustion it falls back to
// Estimate.
func (c *Counter) CountPrecise(ctx context.Context, text string) int {
	if c.remote == nil {
		return c.Estimate(text)
	}

	backoff := remoteBackoffStart
	for attempt := 1; attempt <= remoteAttempts; attempt++ {
		n, err := c.remote.CountTokens(ctx, text)
		if err == nil {
			return n
		}
		if attempt == remoteAttempts {
			L_warn("tokens: precise count exhausted retries, falling back to estimate",
				"attempts", attempt, "error", err)
			break
		}
		L_debug("tokens: precise count failed, retrying",
			"attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return c.Estimate(text)
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return c.Estimate(text)
}

// Truncate returns the largest prefix of text whose precise token count is
// at most limit, snapped backward to the nearest break character. Runs a
// binary search over prefix lengths, so O(log |text|) precise counts.
func (c *Counter) Truncate(ctx context.Context, text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if c.CountPrecise(ctx, text) <= limit {
		return text
	}

	// Invariant: the prefix of length lo fits within limit.
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		prefix := validPrefix(text, mid)
		if c.CountPrecise(ctx, prefix) <= limit {
			if len(prefix) == lo {
				break // rune snapping made no progress
			}
			lo = len(prefix)
		} else {
			hi = mid - 1
		}
	}

	return snapToBreak(text[:lo])
}

// EnsureWithinLimit keeps text under maxTokens - safetyMargin. The cheap
// estimate is trusted when it is already comfortably under; otherwise the
// precise count decides, and truncation is the last resort.
func (c *Counter) EnsureWithinLimit(ctx context.Context, text string) Result {
	budget := c.maxTokens - c.safetyMargin

	if c.Estimate(text) <= budget {
		return Result{Text: text, Tokens: c.Estimate(text)}
	}

	precise := c.CountPrecise(ctx, text)
	if precise <= budget {
		return Result{Text: text, Tokens: precise}
	}

	truncated := c.Truncate(ctx, text, budget)
	return Result{
		Text:      truncated,
		Tokens:    c.CountPrecise(ctx, truncated),
		Truncated: true,
	}
}

// validPrefix returns text[:n] shrunk to the nearest rune boundary.
func validPrefix(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !isRuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// snapToBreak walks back up to snapWindow bytes looking for a break
// character and cuts just after it.
func snapToBreak(text string) string {
	if text == "" {
		return text
	}
	start := len(text) - snapWindow
	if start < 0 {
		start = 0
	}
	if idx := strings.LastIndexAny(text[start:], breakChars); idx >= 0 {
		cut := start + idx
		_, size := decodeRuneAt(text, cut)
		return text[:cut+size]
	}
	return text
}

func decodeRuneAt(s string, i int) (rune, int) {
	for _, r := range s[i:] {
		return r, len(string(r))
	}
	return 0, 0
}
