package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lorehaven/lorekeep/internal/corpus"
	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/source"
	"github.com/lorehaven/lorekeep/internal/store"
)

// ErrSyncRunning is returned by Sync when another run already holds the
// guard. The caller should surface it as a conflict, not an internal error.
var ErrSyncRunning = errors.New("syncer: sync already running")

// Syncer reconciles one corpus into the vector store. A single Syncer allows
// at most one run at a time; concurrent Sync calls fail fast with
// ErrSyncRunning.
type Syncer struct {
	fetcher     source.Fetcher
	embedder    rag.Embedder
	vectors     rag.VectorStore
	checkpoints store.CheckpointStore
	tracker     *Tracker

	// guard enforces mutual exclusion between runs without blocking.
	guard *semaphore.Weighted

	chunkSize    int
	chunkOverlap int
}

// Options configures a Syncer.
type Options struct {
	// ChunkSize is the chunk length in runes. Zero means
	// corpus.DefaultChunkSize.
	ChunkSize int
	// ChunkOverlap is the overlap between consecutive chunks in runes. Zero
	// means corpus.DefaultChunkOverlap.
	ChunkOverlap int
}

// New creates a Syncer. checkpoints may not be nil; pass a store.SQLiteStore
// in production.
func New(fetcher source.Fetcher, embedder rag.Embedder, vectors rag.VectorStore, checkpoints store.CheckpointStore, opts Options) *Syncer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = corpus.DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = corpus.DefaultChunkOverlap
	}
	return &Syncer{
		fetcher:      fetcher,
		embedder:     embedder,
		vectors:      vectors,
		checkpoints:  checkpoints,
		tracker:      NewTracker(),
		guard:        semaphore.NewWeighted(1),
		chunkSize:    opts.ChunkSize,
		chunkOverlap: opts.ChunkOverlap,
	}
}

// Tracker returns the progress tracker for status endpoints.
func (s *Syncer) Tracker() *Tracker {
	return s.tracker
}

// Sync runs one reconciliation pass. Incremental runs only fetch documents
// modified after the stored checkpoint; full runs fetch everything and prune
// index sources that vanished from the corpus. Either way a document whose
// content hash already matches the index is skipped.
//
// A run where individual documents fail still completes; only a failed corpus
// listing fails the run. On completion the checkpoint advances to the run's
// start time, so documents modified mid-run are picked up again next time.
func (s *Syncer) Sync(ctx context.Context, full bool) (State, error) {
	if !s.guard.TryAcquire(1) {
		return s.tracker.Current(), ErrSyncRunning
	}
	defer s.guard.Release(1)

	log := logging.FromContext(ctx)
	start := time.Now()

	st := State{Status: StatusRunning, StartedAt: start, Full: full}
	s.tracker.Publish(st)

	var since time.Time
	if !full {
		cp, err := s.checkpoints.Checkpoint(ctx)
		if err != nil {
			return s.fail(st, fmt.Errorf("syncer: read checkpoint: %w", err))
		}
		since = cp
	}

	docs, badDocs, err := s.fetcher.List(ctx, since)
	if err != nil {
		return s.fail(st, fmt.Errorf("syncer: list corpus: %w", err))
	}

	existing, err := s.vectors.SourceHashes(ctx)
	if err != nil {
		return s.fail(st, fmt.Errorf("syncer: read index hashes: %w", err))
	}

	st.DocumentsTotal = len(docs) + len(badDocs)
	s.tracker.Publish(st)

	log.Info("syncer: run started",
		slog.String("source", s.fetcher.Name()),
		slog.Bool("full", full),
		slog.Int("candidates", len(docs)),
		slog.Int("unlistable", len(badDocs)),
		slog.Time("since", since),
	)

	// Documents the fetcher could not read or parse count against the run
	// the same way a failed reindex does.
	for i := range badDocs {
		st.DocumentsFailed++
		st.DocumentsProcessed++
		st.LastError = badDocs[i].Error()
		log.Warn("syncer: document unlistable",
			slog.String("path", badDocs[i].Path),
			slog.String("error", badDocs[i].Err.Error()),
		)
	}
	if len(badDocs) > 0 {
		s.tracker.Publish(st)
	}

	listed := make(map[string]bool, len(docs)+len(badDocs))
	// An unlistable document still exists in the corpus; its index entries
	// must survive a full run's prune.
	for i := range badDocs {
		listed[badDocs[i].Path] = true
	}
	for _, doc := range docs {
		if ctx.Err() != nil {
			return s.fail(st, fmt.Errorf("syncer: run cancelled: %w", ctx.Err()))
		}
		listed[doc.SourceID] = true

		// An unchanged document is a no-op regardless of run mode; the
		// chunk ids are deterministic, so its index entries are already
		// exactly what a reindex would produce.
		if existing[doc.SourceID] == doc.ContentHash {
			st.DocumentsSkipped++
			st.DocumentsProcessed++
			s.tracker.Publish(st)
			continue
		}

		indexed, err := s.reindexDocument(ctx, doc)
		if err != nil {
			st.DocumentsFailed++
			st.LastError = err.Error()
			log.Warn("syncer: document failed",
				slog.String("source_id", doc.SourceID),
				slog.String("error", err.Error()),
			)
		} else {
			st.ChunksIndexed += indexed
		}
		st.DocumentsProcessed++
		s.tracker.Publish(st)
	}

	if full {
		for sourceID := range existing {
			if listed[sourceID] {
				continue
			}
			if err := s.vectors.DeleteSource(ctx, sourceID); err != nil {
				st.LastError = err.Error()
				log.Warn("syncer: prune failed",
					slog.String("source_id", sourceID),
					slog.String("error", err.Error()),
				)
				continue
			}
			st.SourcesPruned++
			s.tracker.Publish(st)
		}
	}

	// The checkpoint records the run's start so edits made while the run was
	// in flight are re-fetched next time.
	if err := s.checkpoints.SetCheckpoint(ctx, start); err != nil {
		st.LastError = err.Error()
		log.Warn("syncer: checkpoint not advanced", slog.String("error", err.Error()))
	}

	st.Status = StatusCompleted
	st.FinishedAt = time.Now()
	s.tracker.Publish(st)

	log.Info("syncer: run completed",
		slog.String("source", s.fetcher.Name()),
		slog.Int("processed", st.DocumentsProcessed),
		slog.Int("skipped", st.DocumentsSkipped),
		slog.Int("failed", st.DocumentsFailed),
		slog.Int("chunks", st.ChunksIndexed),
		slog.Int("pruned", st.SourcesPruned),
		slog.Duration("elapsed", st.FinishedAt.Sub(start)),
	)
	return st, nil
}

// reindexDocument replaces every chunk of one document in the index. The old
// chunks are deleted first so a document that shrank leaves no stale tail
// behind. Returns the number of chunks indexed.
func (s *Syncer) reindexDocument(ctx context.Context, doc corpus.Document) (int, error) {
	if err := s.vectors.DeleteSource(ctx, doc.SourceID); err != nil {
		return 0, fmt.Errorf("delete %s: %w", doc.SourceID, err)
	}

	chunks, err := corpus.Split(doc, s.chunkSize, s.chunkOverlap)
	if err != nil {
		return 0, fmt.Errorf("chunk %s: %w", doc.SourceID, err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", doc.SourceID, err)
	}

	if err := s.vectors.Upsert(ctx, chunks, embeddings); err != nil {
		return 0, fmt.Errorf("upsert %s: %w", doc.SourceID, err)
	}
	return len(chunks), nil
}

// fail finalizes a run that could not list or diff the corpus. The
// checkpoint is left untouched so the next run retries the same window.
func (s *Syncer) fail(st State, err error) (State, error) {
	st.Status = StatusFailed
	st.FinishedAt = time.Now()
	st.LastError = err.Error()
	s.tracker.Publish(st)
	return st, err
}
