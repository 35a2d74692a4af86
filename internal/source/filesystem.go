package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lorehaven/lorekeep/internal/corpus"
	"github.com/lorehaven/lorekeep/internal/logging"
)

// FilesystemFetcher lists markdown documents from a local directory tree.
// It is used for local corpora and as the fetcher in development setups.
type FilesystemFetcher struct {
	dir string
}

// NewFilesystemFetcher creates a fetcher rooted at dir. The directory must
// exist at construction time.
func NewFilesystemFetcher(dir string) (*FilesystemFetcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source: %s is not a directory", dir)
	}
	return &FilesystemFetcher{dir: dir}, nil
}

func (f *FilesystemFetcher) Name() string {
	return "filesystem:" + f.dir
}

// List walks the directory tree and returns every .md file. The file's
// mtime is used as its modification time; files with mtime at or before
// since are skipped. Unreadable or malformed files do not abort the walk;
// each becomes a DocError in the second return value.
func (f *FilesystemFetcher) List(ctx context.Context, since time.Time) ([]corpus.Document, []DocError, error) {
	log := logging.FromContext(ctx)

	var (
		docs   []corpus.Document
		failed []DocError
	)
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			return nil
		}

		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			rel = d.Name()
		}
		rel = filepath.ToSlash(rel)

		raw, err := os.ReadFile(path)
		if err != nil {
			failed = append(failed, DocError{Path: rel, Err: err})
			return nil
		}

		doc, err := corpus.NewDocument(rel, string(raw), info.ModTime())
		if err != nil {
			failed = append(failed, DocError{Path: rel, Err: err})
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, nil, &FetchError{Source: f.Name(), Err: err}
	}

	log.Debug("source: filesystem listing complete",
		slog.String("source", f.Name()),
		slog.Int("documents", len(docs)),
		slog.Int("failed", len(failed)),
	)
	return docs, failed, nil
}
