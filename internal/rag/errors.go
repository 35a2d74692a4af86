package rag

import "fmt"

// EmbeddingError reports that the embedding provider could not produce a
// vector. During sync it fails only the affected document; during retrieval
// it fails the whole call — a query must never silently proceed without
// context.
type EmbeddingError struct {
	// Err is the underlying provider failure.
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embedding failed: %v", e.Err) }

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError reports an upsert, delete, or metadata read failure
// against the vector index.
type VectorStoreError struct {
	// Op is the store operation that failed ("upsert", "delete", "search", "scroll").
	Op string
	// Err is the underlying store failure.
	Err error
}

func (e *VectorStoreError) Error() string { return fmt.Sprintf("vector store %s failed: %v", e.Op, e.Err) }

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *VectorStoreError) Unwrap() error { return e.Err }

// RetrievalError reports that a query-time similarity search failed.
// It is distinct from EmbeddingError so callers can tell "could not vectorize
// the query" apart from "the index itself is unavailable".
type RetrievalError struct {
	// Err is the underlying search failure.
	Err error
}

func (e *RetrievalError) Error() string { return fmt.Sprintf("retrieval failed: %v", e.Err) }

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *RetrievalError) Unwrap() error { return e.Err }
