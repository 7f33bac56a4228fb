// Package embedworker drains the embed queue: it claims ready windows,
// resolves their text, embeds them and writes the vectors. It is the sole
// writer of queue status, so claiming is just reading.
package embedworker

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
	"github.com/ynishimura/guildrag/internal/tokens"
)

// errNoText marks a window with nothing embeddable; terminal, not retried.
var errNoText = errors.New("window has no resolvable text")

// Store is the slice of the relational store the worker owns.
type Store interface {
	ClaimReadyBatch(ctx context.Context, limit int) ([]store.QueueRow, error)
	GetWindowText(ctx context.Context, windowID string) (string, []string, error)
	GetMessageContents(ctx context.Context, ids []string) (map[string]string, error)
	UpsertEmbedding(ctx context.Context, windowID string, embedding []float32) error
	MarkQueueDone(ctx context.Context, id int64) error
	MarkQueueFailed(ctx context.Context, id int64) error
	IncrementQueueAttempts(ctx context.Context, id int64) (int, error)
}

// Embedder produces document vectors.
type Embedder interface {
	EmbedWindow(ctx context.Context, text string) ([]float32, error)
}

// Options configures the worker. Zero values take defaults.
type Options struct {
	BatchSize      int           // default 500
	Concurrency    int           // default 15
	PollInterval   time.Duration // default 2s
	IdleBackoffMax time.Duration // default 30s
	MaxAttempts    int           // default 5
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 15
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.IdleBackoffMax <= 0 {
		o.IdleBackoffMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Worker is the queue drain loop.
type Worker struct {
	store    Store
	embedder Embedder
	counter  *tokens.Counter
	opts     Options

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Worker.
func New(st Store, embedder Embedder, counter *tokens.Counter, opts Options) *Worker {
	return &Worker{
		store:    st,
		embedder: embedder,
		counter:  counter,
		opts:     opts.withDefaults(),
		stopChan: make(chan struct{}),
	}
}

// Start begins draining in the background.
func (w *Worker) Start() {
	L_info("embedworker: starting", "batch", w.opts.BatchSize, "concurrency", w.opts.Concurrency)
	w.wg.Add(1)
	go w.loop()
}

// Stop shuts the worker down after the in-flight batch finishes.
func (w *Worker) Stop() {
	L_info("embedworker: stopping")
	close(w.stopChan)
	w.wg.Wait()
	L_debug("embedworker: stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	idle := 0
	for {
		processed, err := w.DrainOnce(context.Background())
		if err != nil {
			L_error("embedworker: batch claim failed", "error", err)
		}

		// A non-empty batch may be the head of a backlog; claim again
		// right away and save the backoff for an empty queue.
		if processed > 0 && err == nil {
			idle = 0
			select {
			case <-w.stopChan:
				return
			default:
			}
			continue
		}

		wait := w.idleWait(idle)
		idle++
		select {
		case <-w.stopChan:
			return
		case <-time.After(wait):
		}
	}
}

// idleWait grows the poll interval while the queue stays empty and snaps
// back to the base interval on activity.
func (w *Worker) idleWait(idle int) time.Duration {
	if idle <= 0 {
		return w.opts.PollInterval
	}
	wait := time.Duration(float64(w.opts.PollInterval) * math.Pow(1.5, float64(idle)))
	if wait > w.opts.IdleBackoffMax {
		wait = w.opts.IdleBackoffMax
	}
	return wait
}

// DrainOnce claims one batch and processes it with bounded concurrency.
// Returns how many rows were claimed.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	batch, err := w.store.ClaimReadyBatch(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	L_debug("embedworker: batch claimed", "count", len(batch))

	sem := semaphore.NewWeighted(int64(w.opts.Concurrency))
	var wg sync.WaitGroup
	for _, row := range batch {
		row := row
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.processRow(ctx, row)
		}()
	}
	wg.Wait()
	return len(batch), nil
}

// processRow embeds one queue row and settles its status. Embed and
// resolve errors bump attempts; the attempt ceiling and missing text are
// terminal. Status-write errors only warn, the row stays ready and a
// later pass settles it.
func (w *Worker) processRow(ctx context.Context, row store.QueueRow) {
	text, err := w.resolveText(ctx, row.WindowID)
	if err != nil {
		if errors.Is(err, errNoText) || errors.Is(err, sql.ErrNoRows) {
			L_warn("embedworker: window unembeddable", "window", row.WindowID, "error", err)
			if ferr := w.store.MarkQueueFailed(ctx, row.ID); ferr != nil {
				L_warn("embedworker: failed to mark row failed", "window", row.WindowID, "error", ferr)
			}
			return
		}
		w.settleFailure(ctx, row, err)
		return
	}

	res := w.counter.EnsureWithinLimit(ctx, text)
	if res.Truncated {
		L_warn("embedworker: window truncated to fit model input",
			"window", row.WindowID, "tokens", res.Tokens)
	}

	embedding, err := w.embedder.EmbedWindow(ctx, res.Text)
	if err != nil {
		w.settleFailure(ctx, row, err)
		return
	}

	if err := w.store.UpsertEmbedding(ctx, row.WindowID, embedding); err != nil {
		w.settleFailure(ctx, row, err)
		return
	}

	if err := w.store.MarkQueueDone(ctx, row.ID); err != nil {
		L_warn("embedworker: failed to mark row done", "window", row.WindowID, "error", err)
		return
	}
	L_trace("embedworker: window embedded", "window", row.WindowID)
}

// resolveText prefers the stored window text and falls back to re-joining
// the member messages' plain content in id order.
func (w *Worker) resolveText(ctx context.Context, windowID string) (string, error) {
	text, messageIDs, err := w.store.GetWindowText(ctx, windowID)
	if err != nil {
		return "", err
	}
	if text != "" {
		return text, nil
	}

	if len(messageIDs) == 0 {
		return "", errNoText
	}
	contents, err := w.store.GetMessageContents(ctx, messageIDs)
	if err != nil {
		return "", err
	}

	joined := ""
	for _, id := range messageIDs {
		c, ok := contents[id]
		if !ok || c == "" {
			continue
		}
		if joined != "" {
			joined += "\n"
		}
		joined += c
	}
	if joined == "" {
		return "", errNoText
	}
	return joined, nil
}

// settleFailure bumps the attempt counter and retires the row once the
// ceiling is hit. Below the ceiling the row stays ready for a later batch.
func (w *Worker) settleFailure(ctx context.Context, row store.QueueRow, cause error) {
	attempts, err := w.store.IncrementQueueAttempts(ctx, row.ID)
	if err != nil {
		L_warn("embedworker: attempt bump failed", "window", row.WindowID, "error", err)
		return
	}

	if attempts >= w.opts.MaxAttempts {
		L_error("embedworker: window failed permanently",
			"window", row.WindowID, "attempts", attempts, "error", cause)
		if ferr := w.store.MarkQueueFailed(ctx, row.ID); ferr != nil {
			L_warn("embedworker: failed to mark row failed", "window", row.WindowID, "error", ferr)
		}
		return
	}

	L_warn("embedworker: window embed failed, will retry",
		"window", row.WindowID, "attempts", attempts, "error", cause)
}
