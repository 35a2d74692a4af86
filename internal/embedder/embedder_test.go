package embedder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorehaven/lorekeep/internal/retry"
)

type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func Test_WithRetry_RecoversFromTransientFailure(t *testing.T) {
	t.Parallel()

	inner := &flakyEmbedder{failures: 2}
	policy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	e := WithRetry(inner, policy)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func Test_WithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	inner := &flakyEmbedder{failures: 10}
	policy := retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	e := WithRetry(inner, policy)

	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", inner.calls)
	}
}

func Test_looksLikeChatModel(t *testing.T) {
	t.Parallel()

	chat := []string{"gpt-4o", "llama3.2", "Mistral-7B", "claude-sonnet"}
	for _, m := range chat {
		if !looksLikeChatModel(m) {
			t.Errorf("expected %q to be flagged as a chat model", m)
		}
	}

	embedding := []string{"nomic-embed-text", "text-embedding-3-small", "bge-m3"}
	for _, m := range embedding {
		if looksLikeChatModel(m) {
			t.Errorf("did not expect %q to be flagged as a chat model", m)
		}
	}
}
