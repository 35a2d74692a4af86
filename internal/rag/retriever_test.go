package rag

import (
	"context"
	"errors"
	"testing"
)

// fakeEmbedder returns a fixed vector per call, or a configured error.
type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

// fakeStore returns canned search results, or a configured error.
type fakeStore struct {
	results []Chunk
	err     error
}

func (f *fakeStore) Upsert(context.Context, []Chunk, [][]float32) error { return nil }
func (f *fakeStore) DeleteSource(context.Context, string) error         { return nil }
func (f *fakeStore) SourceHashes(context.Context) (map[string]string, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) Search(_ context.Context, _ []float32, topK int, _ float32) ([]Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if topK > len(f.results) {
		topK = len(f.results)
	}
	return append([]Chunk(nil), f.results[:topK]...), nil
}

func Test_Retrieve_OrdersByDescendingScore(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []Chunk{
		{ID: "b", SourceID: "s1", Position: 1, Score: 0.70},
		{ID: "a", SourceID: "s1", Position: 0, Score: 0.90},
		{ID: "c", SourceID: "s2", Position: 0, Score: 0.80},
	}}
	r, err := NewRetriever(&fakeEmbedder{vector: []float32{1, 0}}, store, 5, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 results, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("result %d out of order: %f > %f", i, got[i].Score, got[i-1].Score)
		}
	}
	if got[0].ID != "a" || got[1].ID != "c" || got[2].ID != "b" {
		t.Errorf("want order [a c b], got [%s %s %s]", got[0].ID, got[1].ID, got[2].ID)
	}
}

func Test_Retrieve_TiesBrokenByPositionThenSource(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []Chunk{
		{ID: "z", SourceID: "zeta", Position: 0, Score: 0.5},
		{ID: "y", SourceID: "alpha", Position: 2, Score: 0.5},
		{ID: "x", SourceID: "alpha", Position: 0, Score: 0.5},
	}}
	r, err := NewRetriever(&fakeEmbedder{vector: []float32{1}}, store, 5, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "query", 3, 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got[0].ID != "x" || got[1].ID != "z" || got[2].ID != "y" {
		t.Errorf("want order [x z y], got [%s %s %s]", got[0].ID, got[1].ID, got[2].ID)
	}
}

func Test_Retrieve_AppliesSimilarityFloor(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []Chunk{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.4},
		{ID: "c", Score: 0.1},
	}}
	r, err := NewRetriever(&fakeEmbedder{vector: []float32{1}}, store, 5, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "query", 3, 0.5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("want only chunk a above floor, got %v", got)
	}
}

func Test_Retrieve_EmbeddingFailureIsTyped(t *testing.T) {
	t.Parallel()

	r, err := NewRetriever(&fakeEmbedder{err: errors.New("provider down")}, &fakeStore{}, 5, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	_, err = r.Retrieve(context.Background(), "query", 3, 0)
	var embErr *EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("want *EmbeddingError, got %T: %v", err, err)
	}
}

func Test_Retrieve_SearchFailureIsTyped(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("index unavailable")}
	r, err := NewRetriever(&fakeEmbedder{vector: []float32{1}}, store, 5, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	_, err = r.Retrieve(context.Background(), "query", 3, 0)
	var retErr *RetrievalError
	if !errors.As(err, &retErr) {
		t.Fatalf("want *RetrievalError, got %T: %v", err, err)
	}
}

func Test_Retrieve_DefaultLimitApplied(t *testing.T) {
	t.Parallel()

	store := &fakeStore{results: []Chunk{
		{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}, {ID: "c", Score: 0.7},
	}}
	r, err := NewRetriever(&fakeEmbedder{vector: []float32{1}}, store, 2, 0)
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}

	got, err := r.Retrieve(context.Background(), "query", 0, 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("want default limit of 2, got %d results", len(got))
	}
}
