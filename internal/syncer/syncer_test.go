package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lorehaven/lorekeep/internal/corpus"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/source"
)

type fakeFetcher struct {
	mu      sync.Mutex
	docs    []corpus.Document
	bad     []source.DocError
	err     error
	started chan struct{}
	release chan struct{}
	calls   []time.Time
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) List(ctx context.Context, since time.Time) ([]corpus.Document, []source.DocError, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.docs, f.bad, nil
}

func (f *fakeFetcher) sinceArgs() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

type fakeEmbedder struct {
	failFor map[string]bool // chunk text prefixes that fail
	calls   int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	for _, t := range texts {
		for prefix := range e.failFor {
			if len(t) >= len(prefix) && t[:len(prefix)] == prefix {
				return nil, errors.New("embed backend down")
			}
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type memVectorStore struct {
	mu      sync.Mutex
	chunks  map[string][]rag.Chunk // sourceID -> chunks
	hashErr error
	upserts int
	deletes int
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{chunks: map[string][]rag.Chunk{}}
}

func (m *memVectorStore) Upsert(_ context.Context, chunks []rag.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return errors.New("length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, c := range chunks {
		m.chunks[c.SourceID] = append(m.chunks[c.SourceID], c)
	}
	return nil
}

func (m *memVectorStore) DeleteSource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.chunks, sourceID)
	return nil
}

func (m *memVectorStore) Search(context.Context, []float32, int, float32) ([]rag.Chunk, error) {
	return nil, nil
}

func (m *memVectorStore) SourceHashes(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashErr != nil {
		return nil, m.hashErr
	}
	out := map[string]string{}
	for src, cs := range m.chunks {
		if len(cs) > 0 {
			out[src] = cs[0].ContentHash
		}
	}
	return out, nil
}

func (m *memVectorStore) Close() error { return nil }

func (m *memVectorStore) sources() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for src, cs := range m.chunks {
		out[src] = len(cs)
	}
	return out
}

type memCheckpoints struct {
	mu sync.Mutex
	t  time.Time
}

func (c *memCheckpoints) Checkpoint(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t, nil
}

func (c *memCheckpoints) SetCheckpoint(_ context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
	return nil
}

func makeDoc(t *testing.T, sourceID, body string) corpus.Document {
	t.Helper()
	doc, err := corpus.NewDocument(sourceID, body, time.Now())
	if err != nil {
		t.Fatalf("make document %s: %v", sourceID, err)
	}
	return doc
}

func Test_Syncer_IndexesNewDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: []corpus.Document{
		makeDoc(t, "a.md", "alpha content"),
		makeDoc(t, "b.md", "beta content"),
	}}
	vectors := newMemVectorStore()
	s := New(fetcher, &fakeEmbedder{}, vectors, &memCheckpoints{}, Options{})

	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", st.Status)
	}
	if st.DocumentsTotal != 2 || st.DocumentsProcessed != 2 || st.DocumentsFailed != 0 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	srcs := vectors.sources()
	if srcs["a.md"] == 0 || srcs["b.md"] == 0 {
		t.Fatalf("documents not indexed: %v", srcs)
	}
}

func Test_Syncer_SecondRunSkipsUnchanged(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: []corpus.Document{makeDoc(t, "a.md", "stable content")}}
	vectors := newMemVectorStore()
	embedder := &fakeEmbedder{}
	s := New(fetcher, embedder, vectors, &memCheckpoints{}, Options{})

	if _, err := s.Sync(context.Background(), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if st.DocumentsSkipped != 1 {
		t.Fatalf("want 1 skipped, got %+v", st)
	}
	if embedder.calls != 1 {
		t.Fatalf("unchanged document re-embedded: %d calls", embedder.calls)
	}
	if vectors.deletes != 1 {
		t.Fatalf("unchanged document re-deleted: %d deletes", vectors.deletes)
	}
}

func Test_Syncer_FullRunSkipsUnchanged(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: []corpus.Document{makeDoc(t, "a.md", "stable content")}}
	vectors := newMemVectorStore()
	embedder := &fakeEmbedder{}
	s := New(fetcher, embedder, vectors, &memCheckpoints{}, Options{})

	if _, err := s.Sync(context.Background(), true); err != nil {
		t.Fatalf("first full sync: %v", err)
	}
	st, err := s.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("second full sync: %v", err)
	}
	if st.DocumentsSkipped != 1 {
		t.Fatalf("hash-matched document must be skipped on full runs too, got %+v", st)
	}
	if embedder.calls != 1 {
		t.Fatalf("unchanged document re-embedded on full run: %d embed calls", embedder.calls)
	}
	if vectors.deletes != 1 {
		t.Fatalf("unchanged document re-deleted on full run: %d deletes", vectors.deletes)
	}
}

func Test_Syncer_ChangedDocumentReindexedInIsolation(t *testing.T) {
	t.Parallel()

	docA := makeDoc(t, "a.md", "original a")
	docB := makeDoc(t, "b.md", "original b")
	fetcher := &fakeFetcher{docs: []corpus.Document{docA, docB}}
	vectors := newMemVectorStore()
	s := New(fetcher, &fakeEmbedder{}, vectors, &memCheckpoints{}, Options{})

	if _, err := s.Sync(context.Background(), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.docs = []corpus.Document{makeDoc(t, "a.md", "edited a"), docB}
	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if st.DocumentsSkipped != 1 {
		t.Fatalf("untouched document should be skipped: %+v", st)
	}

	found := false
	vectors.mu.Lock()
	for _, c := range vectors.chunks["a.md"] {
		if c.Text == "edited a" {
			found = true
		}
	}
	vectors.mu.Unlock()
	if !found {
		t.Fatal("edited content not present in index")
	}
}

func Test_Syncer_PartialFailureCompletesRun(t *testing.T) {
	t.Parallel()

	docs := make([]corpus.Document, 0, 5)
	for i := range 5 {
		docs = append(docs, makeDoc(t, fmt.Sprintf("doc%d.md", i), fmt.Sprintf("content %d", i)))
	}
	fetcher := &fakeFetcher{docs: docs}
	vectors := newMemVectorStore()
	embedder := &fakeEmbedder{failFor: map[string]bool{"content 2": true}}
	checkpoints := &memCheckpoints{}
	s := New(fetcher, embedder, vectors, checkpoints, Options{})

	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("partial failure must still complete, got %s", st.Status)
	}
	if st.DocumentsProcessed != 5 || st.DocumentsFailed != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if st.LastError == "" {
		t.Fatal("expected LastError to be recorded")
	}
	if len(vectors.sources()) != 4 {
		t.Fatalf("want 4 indexed sources, got %v", vectors.sources())
	}
	if cp, _ := checkpoints.Checkpoint(context.Background()); cp.IsZero() {
		t.Fatal("completed run must advance the checkpoint")
	}
}

func Test_Syncer_UnlistableDocumentsCountAsFailed(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		docs: []corpus.Document{makeDoc(t, "good.md", "readable content")},
		bad: []source.DocError{
			{Path: "broken.md", Err: errors.New("frontmatter not closed")},
		},
	}
	vectors := newMemVectorStore()
	s := New(fetcher, &fakeEmbedder{}, vectors, &memCheckpoints{}, Options{})

	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("unlistable document must not fail the run, got %s", st.Status)
	}
	if st.DocumentsTotal != 2 || st.DocumentsProcessed != 2 || st.DocumentsFailed != 1 {
		t.Fatalf("unlistable document missing from counters: %+v", st)
	}
	if st.LastError == "" {
		t.Fatal("expected LastError to name the unlistable document")
	}
}

func Test_Syncer_FullRunKeepsUnlistableSources(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: []corpus.Document{makeDoc(t, "flaky.md", "v1")}}
	vectors := newMemVectorStore()
	s := New(fetcher, &fakeEmbedder{}, vectors, &memCheckpoints{}, Options{})

	if _, err := s.Sync(context.Background(), true); err != nil {
		t.Fatalf("first full sync: %v", err)
	}

	// The document turns unreadable; its index entries must survive the
	// next full run's prune.
	fetcher.docs = nil
	fetcher.bad = []source.DocError{{Path: "flaky.md", Err: errors.New("read denied")}}
	st, err := s.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("second full sync: %v", err)
	}
	if st.SourcesPruned != 0 {
		t.Fatalf("unreadable document pruned from index: %+v", st)
	}
	if vectors.sources()["flaky.md"] == 0 {
		t.Fatalf("index entries lost: %v", vectors.sources())
	}
}

func Test_Syncer_ListingFailureFailsRunWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("remote unreachable")}
	checkpoints := &memCheckpoints{}
	s := New(fetcher, &fakeEmbedder{}, newMemVectorStore(), checkpoints, Options{})

	st, err := s.Sync(context.Background(), false)
	if err == nil {
		t.Fatal("expected error when listing fails")
	}
	if st.Status != StatusFailed {
		t.Fatalf("want failed, got %s", st.Status)
	}
	if cp, _ := checkpoints.Checkpoint(context.Background()); !cp.IsZero() {
		t.Fatal("failed run must not advance the checkpoint")
	}
}

func Test_Syncer_ConcurrentRunRejected(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{started: started, release: release}
	s := New(fetcher, &fakeEmbedder{}, newMemVectorStore(), &memCheckpoints{}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(context.Background(), false)
		done <- err
	}()
	<-started

	if _, err := s.Sync(context.Background(), false); !errors.Is(err, ErrSyncRunning) {
		t.Fatalf("want ErrSyncRunning, got %v", err)
	}
	if st := s.Tracker().Current(); st.Status != StatusRunning {
		t.Fatalf("tracker should report running, got %s", st.Status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Guard released: a new run is accepted.
	if _, err := s.Sync(context.Background(), false); err != nil {
		t.Fatalf("follow-up run: %v", err)
	}
}

func Test_Syncer_IncrementalPassesCheckpointToFetcher(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	checkpoints := &memCheckpoints{t: time.Unix(1700000000, 0)}
	s := New(fetcher, &fakeEmbedder{}, newMemVectorStore(), checkpoints, Options{})

	if _, err := s.Sync(context.Background(), false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	args := fetcher.sinceArgs()
	if len(args) != 1 || !args[0].Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("fetcher did not receive checkpoint: %v", args)
	}

	// Full runs always list everything.
	if _, err := s.Sync(context.Background(), true); err != nil {
		t.Fatalf("full sync: %v", err)
	}
	args = fetcher.sinceArgs()
	if !args[1].IsZero() {
		t.Fatalf("full run must pass zero since, got %v", args[1])
	}
}

func Test_Syncer_FullRunPrunesVanishedSources(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: []corpus.Document{
		makeDoc(t, "keep.md", "kept"),
		makeDoc(t, "gone.md", "doomed"),
	}}
	vectors := newMemVectorStore()
	s := New(fetcher, &fakeEmbedder{}, vectors, &memCheckpoints{}, Options{})

	if _, err := s.Sync(context.Background(), false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.docs = []corpus.Document{makeDoc(t, "keep.md", "kept")}
	st, err := s.Sync(context.Background(), true)
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if st.SourcesPruned != 1 {
		t.Fatalf("want 1 pruned, got %+v", st)
	}
	if _, ok := vectors.sources()["gone.md"]; ok {
		t.Fatal("vanished source still in index")
	}
}

func Test_Syncer_EmptyRunStillAdvancesCheckpoint(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	checkpoints := &memCheckpoints{}
	s := New(fetcher, &fakeEmbedder{}, newMemVectorStore(), checkpoints, Options{})

	st, err := s.Sync(context.Background(), false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if st.Status != StatusCompleted || st.DocumentsTotal != 0 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if cp, _ := checkpoints.Checkpoint(context.Background()); cp.IsZero() {
		t.Fatal("zero-candidate run must still advance the checkpoint")
	}
}

func Test_Tracker_InitialStateIsIdle(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	st := tr.Current()
	if st.Status != StatusIdle {
		t.Fatalf("want idle, got %s", st.Status)
	}
	if !st.StartedAt.IsZero() {
		t.Fatalf("idle state must have zero StartedAt, got %v", st.StartedAt)
	}
}
