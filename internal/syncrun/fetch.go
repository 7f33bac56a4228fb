package syncrun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/store"
)

// fetchAll resolves the operation's containers, registers them, and fans
// out message fetches. Channel fetch errors fail the job; a thread that
// errors or exceeds its timeout is skipped with a checkpoint so a later
// run can pick it up.
func (r *Runner) fetchAll(ctx context.Context, op *store.SyncOperation, progress *progressReporter) ([]Fetched, error) {
	channels, threads, err := r.resolveContainers(ctx, op)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpsertChannels(ctx, channels); err != nil {
		return nil, err
	}
	if err := r.store.UpsertThreads(ctx, threads); err != nil {
		return nil, err
	}

	total := len(channels) + len(threads)
	if total == 0 {
		return nil, nil
	}
	L_info("runner: fetching", "op", op.ID, "channels", len(channels), "threads", len(threads))

	var (
		mu       sync.Mutex
		messages []Fetched
		done     atomic.Int64
	)
	collect := func(batch []Fetched) {
		mu.Lock()
		messages = append(messages, batch...)
		mu.Unlock()
	}
	tick := func() {
		n := int(done.Add(1))
		progress.report(ctx, 30*n/total, "fetching messages")
	}

	g, gctx := errgroup.WithContext(ctx)
	channelSem := semaphore.NewWeighted(int64(r.opts.FetchConcurrency))
	threadSem := semaphore.NewWeighted(int64(r.opts.ThreadConcurrency))

	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			if err := channelSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer channelSem.Release(1)

			batch, err := r.source.FetchChannelMessages(gctx, op.GuildID, ch.ID, op.Since)
			if err != nil {
				r.recordChunk(ctx, op.ID, ch.ID, "failed", err)
				return err
			}
			collect(batch)
			r.recordChunk(ctx, op.ID, ch.ID, "completed", nil)
			tick()
			return nil
		})
	}

	for _, th := range threads {
		th := th
		g.Go(func() error {
			if err := threadSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer threadSem.Release(1)

			tctx, cancel := context.WithTimeout(gctx, r.opts.ThreadTimeout)
			defer cancel()

			batch, err := r.source.FetchThreadMessages(tctx, op.GuildID, th.ChannelID, th.ID, op.Since)
			if err != nil {
				// Parent cancellation is a real failure; anything local
				// to this thread is skipped and checkpointed.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					L_warn("runner: thread fetch timed out, skipping", "op", op.ID, "thread", th.ID)
				} else {
					L_warn("runner: thread fetch failed, skipping", "op", op.ID, "thread", th.ID, "error", err)
				}
				r.recordChunk(ctx, op.ID, th.ID, "failed", err)
				tick()
				return nil
			}
			collect(batch)
			r.recordChunk(ctx, op.ID, th.ID, "completed", nil)
			tick()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return messages, nil
}

// resolveContainers maps the operation scope onto concrete channels and
// threads. Channel scope includes the targets' threads; thread scope
// fetches only the named threads.
func (r *Runner) resolveContainers(ctx context.Context, op *store.SyncOperation) ([]store.Channel, []store.Thread, error) {
	switch op.Scope {
	case store.ScopeGuild:
		channels, err := r.source.ListChannels(ctx, op.GuildID)
		if err != nil {
			return nil, nil, err
		}
		threads, err := r.source.ListThreads(ctx, op.GuildID)
		if err != nil {
			return nil, nil, err
		}
		return channels, threads, nil

	case store.ScopeChannel:
		wanted := make(map[string]bool, len(op.TargetIDs))
		for _, id := range op.TargetIDs {
			wanted[id] = true
		}
		channels := make([]store.Channel, 0, len(op.TargetIDs))
		for _, id := range op.TargetIDs {
			channels = append(channels, store.Channel{ID: id, GuildID: op.GuildID})
		}
		all, err := r.source.ListThreads(ctx, op.GuildID)
		if err != nil {
			return nil, nil, err
		}
		var threads []store.Thread
		for _, th := range all {
			if wanted[th.ChannelID] {
				threads = append(threads, th)
			}
		}
		return channels, threads, nil

	case store.ScopeThread:
		threads := make([]store.Thread, 0, len(op.TargetIDs))
		for _, id := range op.TargetIDs {
			threads = append(threads, store.Thread{ID: id, GuildID: op.GuildID})
		}
		return nil, threads, nil
	}

	return nil, nil, errors.New("unknown sync scope: " + op.Scope)
}

func (r *Runner) recordChunk(ctx context.Context, opID, targetID, status string, cause error) {
	chunk := store.SyncChunk{
		OpID:     opID,
		TargetID: targetID,
		Date:     time.Now().UTC().Format("2006-01-02"),
		Status:   status,
		Attempts: 1,
	}
	if cause != nil {
		chunk.LastError = cause.Error()
	}
	if err := r.store.RecordSyncChunk(ctx, chunk); err != nil {
		L_warn("runner: checkpoint write failed", "op", opID, "target", targetID, "error", err)
	}
}
