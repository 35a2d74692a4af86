package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lorehaven/lorekeep/internal/chat"
	"github.com/lorehaven/lorekeep/internal/embedder"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/retry"
	"github.com/lorehaven/lorekeep/internal/source"
	"github.com/lorehaven/lorekeep/internal/store"
)

// defaultScoreFloor is the similarity cut applied to retrieval results when
// RETRIEVAL_SCORE_FLOOR is not set. Chunks scoring below it are dropped
// rather than fed to the model as weak grounding.
const defaultScoreFloor = 0.35

// buildEmbedder validates the embedding configuration and constructs the
// embedder with transient-failure retries.
func buildEmbedder(log *slog.Logger) (rag.Embedder, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return embedder.WithRetry(emb, retry.NewPolicy(3, 500*time.Millisecond)), nil
}

// buildVectorStore connects to Qdrant using QDRANT_* environment variables
// and ensures the target collection exists. The vector size follows the
// configured embedding backend so the collection matches what the embedder
// produces.
func buildVectorStore(ctx context.Context) (*rag.QdrantStore, error) {
	embBackend := envOrDefault("EMBEDDING_PROVIDER", envOrDefault("MODEL_PROVIDER", "ollama"))
	vectorSize := uint64(embedder.DefaultDimensions(embBackend)) //nolint:gosec // dimensions are bounded

	host := envOrDefault("QDRANT_HOST", "localhost")
	port := envInt("QDRANT_PORT", 6334)

	vs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: envOrDefault("QDRANT_COLLECTION", "lorekeep-corpus"),
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect to %s:%d: %w", host, port, err)
	}
	return vs, nil
}

// buildRetriever assembles the retrieval side of the pipeline: embedder plus
// vector store behind a deterministic retriever. RETRIEVAL_TOP_K and
// RETRIEVAL_SCORE_FLOOR set the defaults for callers that do not specify
// their own limit or floor.
func buildRetriever(ctx context.Context, log *slog.Logger) (rag.Retriever, func(), error) {
	emb, err := buildEmbedder(log)
	if err != nil {
		return nil, nil, err
	}
	vs, err := buildVectorStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	retriever, err := rag.NewRetriever(emb, vs,
		envInt("RETRIEVAL_TOP_K", 0),
		envFloat32("RETRIEVAL_SCORE_FLOOR", defaultScoreFloor),
	)
	if err != nil {
		_ = vs.Close()
		return nil, nil, fmt.Errorf("retriever: %w", err)
	}
	return retriever, func() { _ = vs.Close() }, nil
}

// buildFetcher selects the corpus source. A GitHub repository directory wins
// when SOURCE_GITHUB_OWNER and SOURCE_GITHUB_REPO are both set; otherwise
// SOURCE_LOCAL_DIR names a local markdown directory.
func buildFetcher() (source.Fetcher, error) {
	owner := os.Getenv("SOURCE_GITHUB_OWNER")
	repo := os.Getenv("SOURCE_GITHUB_REPO")
	if owner != "" && repo != "" {
		return source.NewGitHubFetcher(source.GitHubConfig{ //nolint:wrapcheck // constructor passthrough
			Owner: owner,
			Repo:  repo,
			Path:  os.Getenv("SOURCE_GITHUB_PATH"),
			Ref:   os.Getenv("SOURCE_GITHUB_REF"),
			Token: os.Getenv("GITHUB_TOKEN"),
		})
	}
	if dir := os.Getenv("SOURCE_LOCAL_DIR"); dir != "" {
		return source.NewFilesystemFetcher(dir) //nolint:wrapcheck // constructor passthrough
	}
	return nil, fmt.Errorf("no corpus source configured: set SOURCE_GITHUB_OWNER and SOURCE_GITHUB_REPO, or SOURCE_LOCAL_DIR")
}

// openStore opens the SQLite store used for conversation history and the
// sync checkpoint. LOREKEEP_DB overrides the default path
// (~/.lorekeep/lorekeep.db); "disabled" returns nil without error.
func openStore(log *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := os.Getenv("LOREKEEP_DB")
	if dbPath == "disabled" {
		log.Info("store: disabled via LOREKEEP_DB=disabled")
		return nil, nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("store: resolve default path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	log.Info("store opened", slog.String("path", dbPath))
	return st, nil
}

// chatOptionsFromEnv reads the GENERATION_* environment variables into chat
// options. Unset variables fall through to the orchestrator defaults.
func chatOptionsFromEnv() chat.Options {
	return chat.Options{
		ContextLimit: envInt("RETRIEVAL_TOP_K", 0),
		ScoreFloor:   -1, // retriever default
		HistoryDepth: envInt("GENERATION_HISTORY_DEPTH", 0),
		Timeout:      time.Duration(envInt("GENERATION_TIMEOUT_SECONDS", 0)) * time.Second,
		Retry: retry.NewPolicy(
			envInt("GENERATION_RETRY_ATTEMPTS", 3),
			time.Duration(envInt("GENERATION_RETRY_BASE_DELAY_MS", 500))*time.Millisecond,
		),
		RequireContext: os.Getenv("GENERATION_REQUIRE_CONTEXT") == "true",
	}
}

// envOrDefault returns the environment variable's value or the fallback when
// unset or empty.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt parses an integer environment variable, returning the fallback when
// unset or malformed.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envFloat32 parses a float environment variable, returning the fallback
// when unset or malformed.
func envFloat32(key string, fallback float32) float32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}
