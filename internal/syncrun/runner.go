// Package syncrun is the sync orchestrator: a persistent, resumable job
// engine that claims queued sync operations, fans out fetches over a
// guild, persists messages, chunks them into windows, enqueues embedding
// work and reports progress until the queue drains.
package syncrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ynishimura/guildrag/internal/apperr"
	"github.com/ynishimura/guildrag/internal/chunker"
	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
)

// Fetched is one message as returned by the chat-service fetcher.
// IsTopLevel marks thread starters and forum posts, which force a soft
// chunking boundary.
type Fetched struct {
	store.Message
	IsTopLevel bool
}

// Source is the chat-service fetch collaborator. ListThreads returns
// active and archived threads.
type Source interface {
	ListChannels(ctx context.Context, guildID string) ([]store.Channel, error)
	ListThreads(ctx context.Context, guildID string) ([]store.Thread, error)
	FetchChannelMessages(ctx context.Context, guildID, channelID string, since *time.Time) ([]Fetched, error)
	FetchThreadMessages(ctx context.Context, guildID, channelID, threadID string, since *time.Time) ([]Fetched, error)
}

// Store is the slice of the relational store the runner owns.
type Store interface {
	ClaimNextOperation(ctx context.Context) (*store.SyncOperation, error)
	UpdateOperationProgress(ctx context.Context, id string, p store.Progress) error
	CompleteOperation(ctx context.Context, id string) error
	FailOperation(ctx context.Context, id, reason string) error
	ResetStaleRunning(ctx context.Context, olderThan time.Duration) (int, error)

	UpsertChannels(ctx context.Context, channels []store.Channel) error
	UpsertThreads(ctx context.Context, threads []store.Thread) error
	UpsertMessages(ctx context.Context, msgs []store.Message) error
	UpsertWindows(ctx context.Context, windows []store.Window) ([]string, error)
	EnqueueWindows(ctx context.Context, windowIDs []string, priority int) error
	CountPendingEmbeds(ctx context.Context, guildID string) (int, error)
	UpsertCursor(ctx context.Context, guildID, lastMessageID string, lastSyncedAt time.Time) error
	RecordSyncChunk(ctx context.Context, chunk store.SyncChunk) error
}

// Options configures the runner. Zero values take defaults.
type Options struct {
	PollInterval      time.Duration // default 3s
	FetchConcurrency  int           // default 15
	ThreadConcurrency int           // default 15
	ThreadTimeout     time.Duration // default 30s
	PersistBatchSize  int           // default 50
	PersistRetries    int           // default 3
	EmbedWaitPoll     time.Duration // default 5s
	EmbedWaitTimeout  time.Duration // default 30m
	StaleAfter        time.Duration // default 30m
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 15
	}
	if o.ThreadConcurrency <= 0 {
		o.ThreadConcurrency = 15
	}
	if o.ThreadTimeout <= 0 {
		o.ThreadTimeout = 30 * time.Second
	}
	if o.PersistBatchSize <= 0 {
		o.PersistBatchSize = 50
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 3
	}
	if o.EmbedWaitPoll <= 0 {
		o.EmbedWaitPoll = 5 * time.Second
	}
	if o.EmbedWaitTimeout <= 0 {
		o.EmbedWaitTimeout = 30 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	return o
}

// Runner claims queued sync operations one at a time and drives them
// through the fetch / persist / chunk / await pipeline.
type Runner struct {
	store   Store
	source  Source
	chunker *chunker.Engine
	opts    Options

	stopChan chan struct{}
	wg       sync.WaitGroup
	cron     *cron.Cron
}

// New creates a Runner.
func New(st Store, source Source, engine *chunker.Engine, opts Options) *Runner {
	return &Runner{
		store:    st,
		source:   source,
		chunker:  engine,
		opts:     opts.withDefaults(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the claim loop and the stale-job reaper.
func (r *Runner) Start() {
	L_info("runner: starting")
	r.startReaper()
	r.wg.Add(1)
	go r.loop()
}

// Stop shuts the runner down after any in-flight job finishes.
func (r *Runner) Stop() {
	L_info("runner: stopping")
	close(r.stopChan)
	r.stopReaper()
	r.wg.Wait()
	L_debug("runner: stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.claimAndRun(context.Background())
		}
	}
}

// claimAndRun claims at most one queued operation and runs it to a
// terminal state.
func (r *Runner) claimAndRun(ctx context.Context) {
	op, err := r.store.ClaimNextOperation(ctx)
	if err != nil {
		L_error("runner: claim failed", "error", err)
		return
	}
	if op == nil {
		return
	}

	L_info("runner: job claimed",
		"op", op.ID, "guild", op.GuildID, "scope", op.Scope, "mode", op.Mode)

	start := time.Now()
	if err := r.RunJob(ctx, op); err != nil {
		L_error("runner: job failed", "op", op.ID, "error", err)
		if ferr := r.store.FailOperation(ctx, op.ID, err.Error()); ferr != nil {
			L_warn("runner: failed to mark job failed", "op", op.ID, "error", ferr)
		}
		return
	}

	if err := r.store.CompleteOperation(ctx, op.ID); err != nil {
		L_warn("runner: failed to mark job completed", "op", op.ID, "error", err)
		return
	}
	L_info("runner: job completed", "op", op.ID, "elapsed", time.Since(start).Round(time.Millisecond).String())
}

// progressReporter clamps reported progress so it never decreases within
// one job.
type progressReporter struct {
	runner *Runner
	opID   string
	last   int
}

func (p *progressReporter) report(ctx context.Context, processed int, msg string) {
	if processed < p.last {
		processed = p.last
	}
	p.last = processed
	if err := p.runner.store.UpdateOperationProgress(ctx, p.opID, store.Progress{
		Processed: processed,
		Total:     100,
		Message:   msg,
	}); err != nil {
		L_warn("runner: progress update failed", "op", p.opID, "error", err)
	}
}

// RunJob executes one claimed operation through all phases. Exported so a
// single job can be driven synchronously (and tested) without the loop.
func (r *Runner) RunJob(ctx context.Context, op *store.SyncOperation) error {
	progress := &progressReporter{runner: r, opID: op.ID}

	// Phase 1: fetch (0-30%).
	messages, err := r.fetchAll(ctx, op, progress)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		L_info("runner: nothing to sync", "op", op.ID, "guild", op.GuildID)
		progress.report(ctx, 99, "no new messages")
		return nil
	}

	// Final assembly order: fetch ordering across containers is not
	// guaranteed, so sort ascending before chunking.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	// Phase 2: persist messages (30-50%).
	if err := r.persistMessages(ctx, op, messages, progress); err != nil {
		return err
	}

	// Phase 3: chunk and enqueue (50-90%).
	if err := r.chunkAndEnqueue(ctx, op, messages, progress); err != nil {
		return err
	}

	// Phase 4: await embeddings (90-99%).
	r.awaitEmbeddings(ctx, op.GuildID, progress)

	// Phase 5: cursor update (99-100%). The high-water mark is the max
	// created_at across fetched messages, which the sort above put last.
	newest := messages[len(messages)-1]
	if err := r.store.UpsertCursor(ctx, op.GuildID, newest.ID, time.Now().UTC()); err != nil {
		return apperr.New(apperr.CodeSyncCursorReadFailed, err)
	}
	progress.report(ctx, 99, "finalizing")

	return nil
}

// persistMessages upserts in fixed-size batches, retrying each batch with
// exponential backoff before failing the job.
func (r *Runner) persistMessages(ctx context.Context, op *store.SyncOperation, messages []Fetched, progress *progressReporter) error {
	batchSize := r.opts.PersistBatchSize
	total := len(messages)

	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}

		batch := make([]store.Message, 0, end-start)
		for _, m := range messages[start:end] {
			batch = append(batch, m.Message)
		}

		if err := r.upsertBatchWithRetry(ctx, batch); err != nil {
			return apperr.New(apperr.CodeMessageSaveFailed, err).With("batchStart", start)
		}

		pct := 30 + 20*end/total
		progress.report(ctx, pct, "saving messages")
	}

	L_debug("runner: messages persisted", "op", op.ID, "count", total)
	return nil
}

func (r *Runner) upsertBatchWithRetry(ctx context.Context, batch []store.Message) error {
	var lastErr error
	for attempt := 1; attempt <= r.opts.PersistRetries; attempt++ {
		lastErr = r.store.UpsertMessages(ctx, batch)
		if lastErr == nil {
			return nil
		}
		if attempt == r.opts.PersistRetries {
			break
		}
		wait := time.Duration(1<<uint(attempt)) * time.Second
		L_warn("runner: message batch failed, retrying",
			"attempt", attempt, "wait", wait.String(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// chunkAndEnqueue partitions messages by (thread ?? channel, date), runs
// the chunking engine per partition, upserts the windows and queues them
// for embedding.
func (r *Runner) chunkAndEnqueue(ctx context.Context, op *store.SyncOperation, messages []Fetched, progress *progressReporter) error {
	partitions := partition(messages)

	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	done := 0
	for _, key := range keys {
		part := partitions[key]

		input := make([]chunker.Message, len(part))
		for i, m := range part {
			input[i] = chunker.Message{
				ID:         m.ID,
				Content:    m.ContentPlain,
				CreatedAt:  m.CreatedAt,
				IsTopLevel: m.IsTopLevel,
			}
		}

		chunks := r.chunker.Chunk(ctx, input)
		if len(chunks) == 0 {
			done++
			continue
		}

		first := part[0]
		date := first.CreatedAt.UTC().Format("2006-01-02")
		windows := make([]store.Window, len(chunks))
		for i, c := range chunks {
			windows[i] = store.Window{
				ID:         uuid.NewString(),
				GuildID:    first.GuildID,
				CategoryID: first.CategoryID,
				ChannelID:  first.ChannelID,
				ThreadID:   first.ThreadID,
				Date:       date,
				Seq:        c.Seq,
				MessageIDs: c.MessageIDs,
				StartAt:    c.StartAt,
				EndAt:      c.EndAt,
				TokenEst:   c.TokenEst,
				Text:       c.Text,
			}
		}

		ids, err := r.store.UpsertWindows(ctx, windows)
		if err != nil {
			return apperr.New(apperr.CodeWindowSaveFailed, err).With("partition", key)
		}
		if err := r.store.EnqueueWindows(ctx, ids, 0); err != nil {
			return apperr.New(apperr.CodeSyncEnqueueFailed, err).With("partition", key)
		}

		done++
		progress.report(ctx, 50+40*done/len(keys), "indexing windows")
	}

	L_debug("runner: windows enqueued", "op", op.ID, "partitions", len(keys))
	return nil
}

// partition groups messages by (thread ?? channel, calendar date).
func partition(messages []Fetched) map[string][]Fetched {
	parts := make(map[string][]Fetched)
	for _, m := range messages {
		container := m.ChannelID
		if m.ThreadID != "" {
			container = m.ThreadID
		}
		key := container + "|" + m.CreatedAt.UTC().Format("2006-01-02")
		parts[key] = append(parts[key], m)
	}
	return parts
}

// awaitEmbeddings polls the embed queue until the guild's windows drain,
// the ceiling passes, or the queue becomes unreadable. Wait problems never
// fail the job; the worst case is reporting completion early.
func (r *Runner) awaitEmbeddings(ctx context.Context, guildID string, progress *progressReporter) {
	deadline := time.Now().Add(r.opts.EmbedWaitTimeout)
	consecutiveErrors := 0

	for {
		remaining, err := r.store.CountPendingEmbeds(ctx, guildID)
		if err != nil {
			consecutiveErrors++
			L_warn("runner: embed wait query failed", "guild", guildID, "errors", consecutiveErrors, "error", err)
			if consecutiveErrors >= 3 {
				L_warn("runner: assuming embeddings complete after repeated query errors", "guild", guildID)
				return
			}
		} else {
			consecutiveErrors = 0
			if remaining == 0 {
				return
			}
			progress.report(ctx, 90, fmt.Sprintf("waiting for embeddings (%d remaining)", remaining))
			L_debug("runner: embeddings pending", "guild", guildID, "remaining", remaining)
		}

		if time.Now().After(deadline) {
			L_warn("runner: embed wait timed out", "guild", guildID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-time.After(r.opts.EmbedWaitPoll):
		}
	}
}
