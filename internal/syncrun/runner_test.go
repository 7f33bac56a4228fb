package syncrun

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ynishimura/guildrag/internal/apperr"
	"github.com/ynishimura/guildrag/internal/chunker"
	"github.com/ynishimura/guildrag/internal/store"
	"github.com/ynishimura/guildrag/internal/tokens"
)

type fakeStore struct {
	mu sync.Mutex

	claimed *store.SyncOperation

	messages     []store.Message
	upsertMsgErr error

	windows  []store.Window
	enqueued []string

	progress []store.Progress
	chunks   []store.SyncChunk

	completed  bool
	failed     bool
	failReason string

	cursorMsgID string

	pending    []int
	pendingErr error
}

func (f *fakeStore) ClaimNextOperation(context.Context) (*store.SyncOperation, error) {
	op := f.claimed
	f.claimed = nil
	return op, nil
}

func (f *fakeStore) UpdateOperationProgress(_ context.Context, _ string, p store.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeStore) CompleteOperation(context.Context, string) error {
	f.completed = true
	return nil
}

func (f *fakeStore) FailOperation(_ context.Context, _ string, reason string) error {
	f.failed = true
	f.failReason = reason
	return nil
}

func (f *fakeStore) ResetStaleRunning(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeStore) UpsertChannels(context.Context, []store.Channel) error { return nil }
func (f *fakeStore) UpsertThreads(context.Context, []store.Thread) error   { return nil }

func (f *fakeStore) UpsertMessages(_ context.Context, msgs []store.Message) error {
	if f.upsertMsgErr != nil {
		return f.upsertMsgErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeStore) UpsertWindows(_ context.Context, windows []store.Window) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, windows...)
	ids := make([]string, len(windows))
	for i, w := range windows {
		ids[i] = w.ID
	}
	return ids, nil
}

func (f *fakeStore) EnqueueWindows(_ context.Context, ids []string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, ids...)
	return nil
}

func (f *fakeStore) CountPendingEmbeds(context.Context, string) (int, error) {
	if f.pendingErr != nil {
		return 0, f.pendingErr
	}
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := f.pending[0]
	f.pending = f.pending[1:]
	return n, nil
}

func (f *fakeStore) UpsertCursor(_ context.Context, _ string, lastMessageID string, _ time.Time) error {
	f.cursorMsgID = lastMessageID
	return nil
}

func (f *fakeStore) RecordSyncChunk(_ context.Context, chunk store.SyncChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

type fakeSource struct {
	channels []store.Channel
	threads  []store.Thread
	byID     map[string][]Fetched

	channelErr error
	threadHang bool
}

func (f *fakeSource) ListChannels(context.Context, string) ([]store.Channel, error) {
	return f.channels, nil
}

func (f *fakeSource) ListThreads(context.Context, string) ([]store.Thread, error) {
	return f.threads, nil
}

func (f *fakeSource) FetchChannelMessages(_ context.Context, _, channelID string, _ *time.Time) ([]Fetched, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	return f.byID[channelID], nil
}

func (f *fakeSource) FetchThreadMessages(ctx context.Context, _, _, threadID string, _ *time.Time) ([]Fetched, error) {
	if f.threadHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.byID[threadID], nil
}

func testRunner(st *fakeStore, src *fakeSource, opts Options) *Runner {
	counter := tokens.New(tokens.Options{MaxTokens: 4096, SafetyMargin: 128})
	engine := chunker.New(chunker.Config{SoftGapMinutes: 5}, counter)
	return New(st, src, engine, opts)
}

func fetched(id, channelID string, at time.Time) Fetched {
	return Fetched{Message: store.Message{
		ID: id, GuildID: "g1", ChannelID: channelID,
		ContentPlain: "message " + id, CreatedAt: at,
	}}
}

func guildOp() *store.SyncOperation {
	return &store.SyncOperation{ID: "op1", GuildID: "g1", Scope: store.ScopeGuild, Mode: store.ModeFull}
}

func TestRunJobEmptyGuild(t *testing.T) {
	st := &fakeStore{}
	r := testRunner(st, &fakeSource{}, Options{})

	if err := r.RunJob(context.Background(), guildOp()); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if len(st.messages) != 0 || len(st.windows) != 0 {
		t.Error("empty guild wrote rows")
	}
	if st.cursorMsgID != "" {
		t.Error("empty guild moved the cursor")
	}
}

func TestRunJobFullPipeline(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		channels: []store.Channel{{ID: "c1", GuildID: "g1"}},
		byID: map[string][]Fetched{
			"c1": {
				fetched("100", "c1", base),
				fetched("101", "c1", base.Add(30*time.Second)),
				fetched("102", "c1", base.Add(20*time.Minute)), // gap break
			},
		},
	}
	st := &fakeStore{pending: []int{2, 0}}
	r := testRunner(st, src, Options{EmbedWaitPoll: time.Millisecond})

	if err := r.RunJob(context.Background(), guildOp()); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	if len(st.messages) != 3 {
		t.Errorf("persisted %d messages, want 3", len(st.messages))
	}
	if len(st.windows) != 2 {
		t.Errorf("upserted %d windows, want 2", len(st.windows))
	}
	if len(st.enqueued) != len(st.windows) {
		t.Errorf("enqueued %d of %d windows", len(st.enqueued), len(st.windows))
	}
	if st.cursorMsgID != "102" {
		t.Errorf("cursor message id = %q, want 102", st.cursorMsgID)
	}

	last := -1
	sawRemaining := false
	for _, p := range st.progress {
		if p.Processed < last {
			t.Fatalf("progress went backwards: %d after %d", p.Processed, last)
		}
		last = p.Processed
		if strings.Contains(p.Message, "2 remaining") {
			sawRemaining = true
		}
	}
	if !sawRemaining {
		t.Error("embed wait progress never reported the remaining count")
	}
}

func TestRunJobMessageSaveFailure(t *testing.T) {
	src := &fakeSource{
		channels: []store.Channel{{ID: "c1", GuildID: "g1"}},
		byID: map[string][]Fetched{
			"c1": {fetched("100", "c1", time.Now().UTC())},
		},
	}
	st := &fakeStore{upsertMsgErr: errors.New("connection refused")}
	r := testRunner(st, src, Options{PersistRetries: 1})

	err := r.RunJob(context.Background(), guildOp())
	if err == nil {
		t.Fatal("expected error")
	}
	if code := apperr.CodeOf(err); code != apperr.CodeMessageSaveFailed {
		t.Errorf("error code = %q, want %q", code, apperr.CodeMessageSaveFailed)
	}
}

func TestRunJobThreadTimeoutSkips(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		channels:   []store.Channel{{ID: "c1", GuildID: "g1"}},
		threads:    []store.Thread{{ID: "t1", GuildID: "g1", ChannelID: "c1"}},
		byID:       map[string][]Fetched{"c1": {fetched("100", "c1", base)}},
		threadHang: true,
	}
	st := &fakeStore{}
	r := testRunner(st, src, Options{ThreadTimeout: 10 * time.Millisecond, EmbedWaitPoll: time.Millisecond})

	if err := r.RunJob(context.Background(), guildOp()); err != nil {
		t.Fatalf("a hung thread must not fail the job: %v", err)
	}
	if len(st.messages) != 1 {
		t.Errorf("persisted %d messages, want the channel's 1", len(st.messages))
	}

	foundFailed := false
	for _, c := range st.chunks {
		if c.TargetID == "t1" && c.Status == "failed" {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Error("timed-out thread was not checkpointed as failed")
	}
}

func TestClaimAndRunMarksFailed(t *testing.T) {
	src := &fakeSource{channelErr: errors.New("forbidden")}
	src.channels = []store.Channel{{ID: "c1", GuildID: "g1"}}
	st := &fakeStore{claimed: guildOp()}
	r := testRunner(st, src, Options{})

	r.claimAndRun(context.Background())

	if !st.failed {
		t.Fatal("job was not marked failed")
	}
	if st.failReason == "" {
		t.Error("failure reason is empty")
	}
	if st.completed {
		t.Error("failed job also marked completed")
	}
}

func TestAwaitEmbeddingsGivesUpAfterRepeatedErrors(t *testing.T) {
	st := &fakeStore{pendingErr: errors.New("connection lost")}
	r := testRunner(st, &fakeSource{}, Options{EmbedWaitPoll: time.Millisecond})

	done := make(chan struct{})
	go func() {
		r.awaitEmbeddings(context.Background(), "g1", &progressReporter{runner: r, opID: "op1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("awaitEmbeddings did not give up")
	}
}

func TestResolveContainersChannelScope(t *testing.T) {
	src := &fakeSource{
		threads: []store.Thread{
			{ID: "t1", GuildID: "g1", ChannelID: "c1"},
			{ID: "t2", GuildID: "g1", ChannelID: "c9"},
		},
	}
	r := testRunner(&fakeStore{}, src, Options{})

	op := &store.SyncOperation{
		ID: "op1", GuildID: "g1",
		Scope: store.ScopeChannel, TargetIDs: []string{"c1"},
	}
	channels, threads, err := r.resolveContainers(context.Background(), op)
	if err != nil {
		t.Fatalf("resolveContainers: %v", err)
	}

	if len(channels) != 1 || channels[0].ID != "c1" {
		t.Fatalf("channels = %v", channels)
	}
	// Bare-id targets carry no metadata; the store must not clobber the
	// registry with it.
	if channels[0].Name != "" || channels[0].Type != "" {
		t.Errorf("bare target fabricated metadata: %+v", channels[0])
	}
	if len(threads) != 1 || threads[0].ID != "t1" {
		t.Errorf("threads = %v, want only the target channel's thread", threads)
	}
}

func TestPartitionSplitsByContainerAndDate(t *testing.T) {
	d1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	d2 := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)

	msgs := []Fetched{
		fetched("1", "c1", d1),
		fetched("2", "c1", d2),
		{Message: store.Message{ID: "3", ChannelID: "c1", ThreadID: "t1", CreatedAt: d2}},
	}

	parts := partition(msgs)
	if len(parts) != 3 {
		t.Fatalf("got %d partitions, want 3", len(parts))
	}
}
