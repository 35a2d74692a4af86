package rag

import (
	"context"
	"fmt"
	"sort"
)

// DefaultRetriever implements the Retriever interface by combining an Embedder
// and a VectorStore. It embeds the query at retrieval time, delegates the
// similarity search to the store, and post-sorts the results into a fully
// deterministic order.
type DefaultRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// defaultLimit is the number of results to return when the caller passes 0.
	defaultLimit int

	// defaultFloor is the similarity cut applied when the caller passes a
	// negative floor (callers pass 0 to disable the cut explicitly).
	defaultFloor float32
}

// NewRetriever constructs a DefaultRetriever from the given Embedder and
// VectorStore. defaultLimit is the fallback result count for Retrieve calls
// with limit=0; defaultFloor is the fallback similarity cut.
func NewRetriever(embedder Embedder, store VectorStore, defaultLimit int, defaultFloor float32) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &DefaultRetriever{
		embedder:     embedder,
		store:        store,
		defaultLimit: defaultLimit,
		defaultFloor: defaultFloor,
	}, nil
}

// Retrieve embeds the query and returns up to limit chunks ordered by
// descending similarity. Ties are broken by ascending position, then
// ascending source id, so identical inputs always produce identical output
// order. Failures are typed: an *EmbeddingError when the query cannot be
// vectorized, a *RetrievalError when the index query fails — neither is
// retried silently, since a generation call must not proceed on empty or
// stale context without the caller knowing.
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, limit int, floor float32) ([]Chunk, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	if floor < 0 {
		floor = r.defaultFloor
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(embeddings) == 0 {
		return nil, &EmbeddingError{Err: fmt.Errorf("embedder returned no vector for query")}
	}

	chunks, err := r.store.Search(ctx, embeddings[0], limit, floor)
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}

	// The store applies the floor server-side where it can; re-check here so
	// every VectorStore implementation yields the same visible contract.
	if floor > 0 {
		kept := chunks[:0]
		for _, c := range chunks {
			if c.Score >= floor {
				kept = append(kept, c)
			}
		}
		chunks = kept
	}

	sortChunks(chunks)
	return chunks, nil
}

// sortChunks orders retrieval results by descending score, breaking ties by
// ascending position then ascending source id.
func sortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].Position != chunks[j].Position {
			return chunks[i].Position < chunks[j].Position
		}
		return chunks[i].SourceID < chunks[j].SourceID
	})
}
