package embedworker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ynishimura/guildrag/internal/store"
	"github.com/ynishimura/guildrag/internal/tokens"
)

type fakeStore struct {
	mu sync.Mutex

	rows    []store.QueueRow
	batches [][]store.QueueRow

	texts      map[string]string   // window id -> stored text
	messageIDs map[string][]string // window id -> member message ids
	contents   map[string]string   // message id -> plain content
	missing    map[string]bool     // window id -> pretend deleted

	embedded map[string][]float32
	done     map[int64]bool
	failed   map[int64]bool
	attempts map[int64]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		texts:      map[string]string{},
		messageIDs: map[string][]string{},
		contents:   map[string]string{},
		missing:    map[string]bool{},
		embedded:   map[string][]float32{},
		done:       map[int64]bool{},
		failed:     map[int64]bool{},
		attempts:   map[int64]int{},
	}
}

func (f *fakeStore) ClaimReadyBatch(context.Context, int) ([]store.QueueRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		return batch, nil
	}
	rows := f.rows
	f.rows = nil
	return rows, nil
}

func (f *fakeStore) doneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.done)
}

func (f *fakeStore) GetWindowText(_ context.Context, windowID string) (string, []string, error) {
	if f.missing[windowID] {
		return "", nil, sql.ErrNoRows
	}
	return f.texts[windowID], f.messageIDs[windowID], nil
}

func (f *fakeStore) GetMessageContents(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if c, ok := f.contents[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertEmbedding(_ context.Context, windowID string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded[windowID] = embedding
	return nil
}

func (f *fakeStore) MarkQueueDone(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = true
	return nil
}

func (f *fakeStore) MarkQueueFailed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = true
	return nil
}

func (f *fakeStore) IncrementQueueAttempts(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return f.attempts[id], nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  int // first N calls error
	texts []string
}

func (f *fakeEmbedder) EmbedWindow(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("503 overloaded")
	}
	f.texts = append(f.texts, text)
	return []float32{0.1, 0.2, 0.3}, nil
}

func testWorker(st *fakeStore, emb *fakeEmbedder) *Worker {
	counter := tokens.New(tokens.Options{MaxTokens: 4096, SafetyMargin: 128})
	return New(st, emb, counter, Options{Concurrency: 1})
}

func TestDrainOnceEmbedsAndSettles(t *testing.T) {
	st := newFakeStore()
	st.rows = []store.QueueRow{{ID: 1, WindowID: "w1"}}
	st.texts["w1"] = "the conversation text"
	emb := &fakeEmbedder{}
	w := testWorker(st, emb)

	n, err := w.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("claimed %d rows, want 1", n)
	}
	if len(st.embedded["w1"]) == 0 {
		t.Error("no embedding written")
	}
	if !st.done[1] {
		t.Error("row not marked done")
	}
	if st.failed[1] {
		t.Error("row wrongly marked failed")
	}
}

func TestProcessRowTransientFailureStaysReady(t *testing.T) {
	st := newFakeStore()
	st.texts["w1"] = "text"
	emb := &fakeEmbedder{fail: 1000}
	w := testWorker(st, emb)

	w.processRow(context.Background(), store.QueueRow{ID: 1, WindowID: "w1"})

	if st.attempts[1] != 1 {
		t.Errorf("attempts = %d, want 1", st.attempts[1])
	}
	if st.failed[1] {
		t.Error("row failed before the attempt ceiling")
	}
	if st.done[1] {
		t.Error("row wrongly marked done")
	}
}

func TestProcessRowFailsAtAttemptCeiling(t *testing.T) {
	st := newFakeStore()
	st.texts["w1"] = "text"
	st.attempts[1] = 4 // next failure is the fifth attempt
	emb := &fakeEmbedder{fail: 1000}
	w := testWorker(st, emb)

	w.processRow(context.Background(), store.QueueRow{ID: 1, WindowID: "w1"})

	if !st.failed[1] {
		t.Error("row not retired at the attempt ceiling")
	}
}

func TestProcessRowFallsBackToMessageContents(t *testing.T) {
	st := newFakeStore()
	st.texts["w1"] = ""
	st.messageIDs["w1"] = []string{"m1", "m2", "m3"}
	st.contents["m1"] = "first"
	st.contents["m3"] = "third"
	emb := &fakeEmbedder{}
	w := testWorker(st, emb)

	w.processRow(context.Background(), store.QueueRow{ID: 1, WindowID: "w1"})

	if !st.done[1] {
		t.Fatal("row not marked done")
	}
	if len(emb.texts) != 1 || emb.texts[0] != "first\nthird" {
		t.Errorf("embedded text = %v, want joined contents in id order", emb.texts)
	}
}

func TestProcessRowNoTextIsTerminal(t *testing.T) {
	st := newFakeStore()
	st.texts["w1"] = ""
	emb := &fakeEmbedder{}
	w := testWorker(st, emb)

	w.processRow(context.Background(), store.QueueRow{ID: 1, WindowID: "w1"})

	if !st.failed[1] {
		t.Error("unembeddable row not retired")
	}
	if st.attempts[1] != 0 {
		t.Errorf("attempts bumped for a terminal row: %d", st.attempts[1])
	}
	if emb.calls != 0 {
		t.Error("embedder called for a window with no text")
	}
}

func TestProcessRowMissingWindowIsTerminal(t *testing.T) {
	st := newFakeStore()
	st.missing["w1"] = true
	w := testWorker(st, &fakeEmbedder{})

	w.processRow(context.Background(), store.QueueRow{ID: 1, WindowID: "w1"})

	if !st.failed[1] {
		t.Error("row for a deleted window not retired")
	}
}

func TestLoopDrainsBacklogWithoutPolling(t *testing.T) {
	st := newFakeStore()
	st.batches = [][]store.QueueRow{
		{{ID: 1, WindowID: "w1"}},
		{{ID: 2, WindowID: "w2"}},
		{{ID: 3, WindowID: "w3"}},
	}
	st.texts["w1"] = "a"
	st.texts["w2"] = "b"
	st.texts["w3"] = "c"

	counter := tokens.New(tokens.Options{MaxTokens: 4096, SafetyMargin: 128})
	// Poll intervals far beyond the test deadline: the backlog only
	// drains in time if non-empty batches re-claim immediately.
	w := New(st, &fakeEmbedder{}, counter, Options{
		Concurrency:    1,
		PollInterval:   time.Hour,
		IdleBackoffMax: time.Hour,
	})

	w.Start()
	deadline := time.Now().Add(2 * time.Second)
	for st.doneCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if got := st.doneCount(); got != 3 {
		t.Fatalf("drained %d rows before the poll interval, want 3", got)
	}
}

func TestIdleWaitBacksOffAndCaps(t *testing.T) {
	w := testWorker(newFakeStore(), &fakeEmbedder{})

	if got := w.idleWait(0); got != w.opts.PollInterval {
		t.Errorf("active wait = %v, want base interval", got)
	}
	prev := w.idleWait(1)
	for i := 2; i < 20; i++ {
		cur := w.idleWait(i)
		if cur < prev {
			t.Fatalf("idle wait shrank at %d: %v < %v", i, cur, prev)
		}
		prev = cur
	}
	if prev != w.opts.IdleBackoffMax {
		t.Errorf("idle wait did not cap at %v, got %v", w.opts.IdleBackoffMax, prev)
	}
}
