package embedder

import (
	"context"

	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/retry"
)

// retryingEmbedder decorates an Embedder with the shared bounded-backoff
// policy. Transient provider failures (network errors, 5xx, 429) are retried;
// errors the wrapped embedder marks [retry.Permanent] are surfaced at once.
type retryingEmbedder struct {
	inner  rag.Embedder
	policy retry.Policy
}

// WithRetry wraps e so every Embed call is retried per policy. The same
// policy object is shared with the LLM call sites, keeping retry semantics
// identical across provider calls.
func WithRetry(e rag.Embedder, policy retry.Policy) rag.Embedder {
	return &retryingEmbedder{inner: e, policy: policy}
}

// Embed delegates to the wrapped embedder under the retry policy.
func (r *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var embedErr error
		out, embedErr = r.inner.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
