// Package source fetches markdown documents from external corpora. A Fetcher
// lists the documents of one corpus (a GitHub repository directory, a local
// filesystem tree) so the syncer can diff them against the vector store.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/lorehaven/lorekeep/internal/corpus"
)

// Fetcher lists the documents of a corpus. Implementations must be safe for
// repeated calls; List is invoked once per sync run.
type Fetcher interface {
	// Name identifies the corpus for logging and progress reporting.
	Name() string

	// List returns every document in the corpus, plus one DocError per
	// document that could not be read or parsed. When since is non-zero,
	// implementations may omit documents not modified after that instant;
	// returning extra documents is allowed (the syncer diffs by content
	// hash), returning fewer is not. A non-nil error means the listing
	// itself failed and both slices are meaningless.
	List(ctx context.Context, since time.Time) ([]corpus.Document, []DocError, error)
}

// DocError reports a single document that could not be listed or parsed.
// The rest of the listing stands; the syncer counts the document as failed
// for the run. Path is the corpus-relative path, matching the SourceID the
// document would have carried, so full runs can keep its index entries
// instead of pruning them.
type DocError struct {
	Path string
	Err  error
}

func (e *DocError) Error() string {
	return fmt.Sprintf("document %s: %v", e.Path, e.Err)
}

func (e *DocError) Unwrap() error {
	return e.Err
}

// FetchError reports a failure to list or download from a corpus. The syncer
// treats it as fatal for the run: without a complete listing no checkpoint
// can be advanced.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: fetch failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
