package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/time/rate"

	"github.com/lorehaven/lorekeep/internal/corpus"
	"github.com/lorehaven/lorekeep/internal/logging"
)

// githubRequestsPerSecond caps REST calls well below GitHub's authenticated
// limit of 5000/hour so a large corpus sync never trips secondary limits.
const githubRequestsPerSecond = 2

// GitHubConfig describes the repository directory to fetch markdown from.
type GitHubConfig struct {
	// Owner is the repository owner (user or organization).
	Owner string
	// Repo is the repository name.
	Repo string
	// Path is the directory holding the markdown files, e.g. "_posts".
	Path string
	// Ref is the git ref to read from. Empty means the default branch.
	Ref string
	// Token is a personal access token. Empty means unauthenticated access,
	// which is rate-limited to 60 requests/hour by GitHub.
	Token string
}

// GitHubFetcher lists markdown documents from a directory of a GitHub
// repository. Each file's last commit date is used as its modification time.
type GitHubFetcher struct {
	client  *gh.Client
	limiter *rate.Limiter
	cfg     GitHubConfig
}

// NewGitHubFetcher creates a fetcher for the configured repository directory.
func NewGitHubFetcher(cfg GitHubConfig) (*GitHubFetcher, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("source: github fetcher requires owner and repo")
	}
	client := gh.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	return &GitHubFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(githubRequestsPerSecond), 1),
		cfg:     cfg,
	}, nil
}

func (f *GitHubFetcher) Name() string {
	return fmt.Sprintf("github:%s/%s/%s", f.cfg.Owner, f.cfg.Repo, f.cfg.Path)
}

// List downloads every markdown file under the configured directory. Files
// whose last commit predates since are skipped without downloading content.
// A failure on a single file (download, commit lookup, malformed
// frontmatter) does not abort the listing; it becomes a DocError. Context
// cancellation does abort: every remaining file would fail the same way.
func (f *GitHubFetcher) List(ctx context.Context, since time.Time) ([]corpus.Document, []DocError, error) {
	log := logging.FromContext(ctx)

	entries, err := f.listDir(ctx)
	if err != nil {
		return nil, nil, &FetchError{Source: f.Name(), Err: err}
	}

	var (
		docs   []corpus.Document
		failed []DocError
	)
	for _, entry := range entries {
		if entry.GetType() != "file" || !strings.HasSuffix(entry.GetName(), ".md") {
			continue
		}

		modifiedAt, err := f.lastCommitTime(ctx, entry.GetPath())
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, &FetchError{Source: f.Name(), Err: ctx.Err()}
			}
			failed = append(failed, DocError{Path: entry.GetName(), Err: err})
			continue
		}
		if !since.IsZero() && !modifiedAt.After(since) {
			continue
		}

		raw, err := f.fileContent(ctx, entry.GetPath())
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, &FetchError{Source: f.Name(), Err: ctx.Err()}
			}
			failed = append(failed, DocError{Path: entry.GetName(), Err: err})
			continue
		}

		doc, err := corpus.NewDocument(entry.GetName(), raw, modifiedAt)
		if err != nil {
			failed = append(failed, DocError{Path: entry.GetName(), Err: err})
			continue
		}
		docs = append(docs, doc)
	}

	log.Debug("source: github listing complete",
		slog.String("source", f.Name()),
		slog.Int("documents", len(docs)),
		slog.Int("failed", len(failed)),
	)
	return docs, failed, nil
}

// listDir returns the entries of the configured directory.
func (f *GitHubFetcher) listDir(ctx context.Context) ([]*gh.RepositoryContent, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	opts := &gh.RepositoryContentGetOptions{Ref: f.cfg.Ref}
	file, dir, _, err := f.client.Repositories.GetContents(ctx, f.cfg.Owner, f.cfg.Repo, f.cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.cfg.Path, err)
	}
	if file != nil {
		return nil, fmt.Errorf("list %s: path is a file, not a directory", f.cfg.Path)
	}
	return dir, nil
}

// fileContent downloads and decodes one file.
func (f *GitHubFetcher) fileContent(ctx context.Context, filePath string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	opts := &gh.RepositoryContentGetOptions{Ref: f.cfg.Ref}
	content, _, _, err := f.client.Repositories.GetContents(ctx, f.cfg.Owner, f.cfg.Repo, filePath, opts)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", filePath, err)
	}
	if content == nil {
		return "", fmt.Errorf("get %s: path is a directory", filePath)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filePath, err)
	}
	return decoded, nil
}

// lastCommitTime returns the committer date of the most recent commit
// touching filePath.
func (f *GitHubFetcher) lastCommitTime(ctx context.Context, filePath string) (time.Time, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	opts := &gh.CommitsListOptions{
		Path:        filePath,
		SHA:         f.cfg.Ref,
		ListOptions: gh.ListOptions{PerPage: 1},
	}
	commits, _, err := f.client.Repositories.ListCommits(ctx, f.cfg.Owner, f.cfg.Repo, opts)
	if err != nil {
		return time.Time{}, fmt.Errorf("commits for %s: %w", filePath, err)
	}
	if len(commits) == 0 {
		return time.Time{}, fmt.Errorf("commits for %s: no history", filePath)
	}
	return commits[0].GetCommit().GetCommitter().GetDate().Time, nil
}
