// Package rag defines the shared data model and interfaces for the
// retrieval side of the pipeline: vector storage, embedding, and query-time
// retrieval. Concrete implementations (Qdrant, the HTTP embedders) satisfy
// these interfaces so the sync and chat layers never depend on a specific
// backend.
package rag

import (
	"context"
)

// Chunk is the atomic unit stored in and retrieved from the vector index:
// a bounded, overlap-linked substring of one source document.
type Chunk struct {
	// ID is the deterministic identifier for this chunk, derived from
	// (source id, position, text). Re-deriving the same chunk from unchanged
	// content always yields the same ID.
	ID string

	// Text is the chunk's raw text content.
	Text string

	// SourceID is the identifier of the document this chunk was cut from.
	SourceID string

	// ContentHash is the sha256 digest of the full source document the chunk
	// was derived from. Stored alongside every chunk so sync runs can decide
	// whether a document needs re-indexing without refetching its chunks.
	ContentHash string

	// Position is the 0-based order of this chunk within its document.
	Position int

	// Overlap is the number of leading characters shared with the previous
	// chunk. Zero for the first chunk of a document.
	Overlap int

	// Metadata holds the frontmatter subset carried into the index
	// (e.g. "title", "date").
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval (0.0–1.0).
	// Zero value means the score was not computed.
	Score float32
}

// VectorStore is the interface for persisting and searching chunk embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or updates a batch of chunks with their pre-computed
	// embeddings. The embeddings slice must be parallel to chunks —
	// embeddings[i] is the vector for chunks[i].
	Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error

	// DeleteSource removes every chunk belonging to the given source document.
	DeleteSource(ctx context.Context, sourceID string) error

	// Search returns the top-k chunks most similar to the query embedding,
	// dropping any result scoring below floor (floor <= 0 disables the cut).
	Search(ctx context.Context, queryEmbedding []float32, topK int, floor float32) ([]Chunk, error)

	// SourceHashes returns the content hash currently on record for every
	// indexed source document. Sync runs diff against this map.
	SourceHashes(ctx context.Context) (map[string]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the high-level interface used at query time to fetch relevant
// context for a natural-language query. It combines embedding and vector
// search. Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns up to limit chunks relevant to the query, ordered by
	// descending similarity. floor drops low-scoring results when > 0.
	Retrieve(ctx context.Context, query string, limit int, floor float32) ([]Chunk, error)
}
