package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used for every stored chunk. source_id and
// content_hash together drive the sync-time diff; the rest is retrieval
// provenance.
const (
	payloadText        = "text"
	payloadSourceID    = "source_id"
	payloadContentHash = "content_hash"
	payloadPosition    = "position"
)

// scrollPageSize is the page size used when scrolling the collection for
// source hashes.
const scrollPageSize = 256

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// Client exposes the underlying gRPC client for readiness probes.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// Upsert stores or updates a batch of chunks with their pre-computed
// embeddings. embeddings must be parallel to chunks. Because chunk IDs are
// deterministic, re-upserting unchanged chunks overwrites points in place
// rather than duplicating them.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return &VectorStoreError{Op: "upsert", Err: fmt.Errorf("got %d chunks but %d embeddings", len(chunks), len(embeddings))}
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		payload := map[string]any{
			payloadText:        c.Text,
			payloadSourceID:    c.SourceID,
			payloadContentHash: c.ContentHash,
			payloadPosition:    c.Position,
		}
		for k, v := range c.Metadata {
			payload[k] = v
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return &VectorStoreError{Op: "upsert", Err: err}
	}

	return nil
}

// DeleteSource removes every chunk whose source_id payload matches sourceID.
// Deleting by filter rather than by id list means stale chunks from an
// earlier, longer version of the document are removed too.
func (s *QdrantStore) DeleteSource(ctx context.Context, sourceID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadSourceID, sourceID)},
		}),
	})
	if err != nil {
		return &VectorStoreError{Op: "delete", Err: err}
	}
	return nil
}

// Search performs a cosine similarity search and returns the top-k chunks.
// Results scoring below floor are dropped server-side when floor > 0.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int, floor float32) ([]Chunk, error) {
	limit := uint64(topK)
	query := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if floor > 0 {
		query.ScoreThreshold = &floor
	}

	results, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, &VectorStoreError{Op: "search", Err: err}
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, chunkFromPayload(r.Id.GetUuid(), r.Score, r.Payload))
	}

	return chunks, nil
}

// SourceHashes scrolls the collection and returns the content hash on record
// for every indexed source document. Only the diff fields are fetched — chunk
// text and vectors stay server-side.
func (s *QdrantStore) SourceHashes(ctx context.Context) (map[string]string, error) {
	hashes := make(map[string]string)

	var offset *qdrant.PointId
	for {
		limit := uint32(scrollPageSize)
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude(payloadSourceID, payloadContentHash),
		})
		if err != nil {
			return nil, &VectorStoreError{Op: "scroll", Err: err}
		}

		for _, point := range resp.GetResult() {
			p := point.GetPayload()
			source := p[payloadSourceID].GetStringValue()
			if source == "" {
				continue
			}
			hashes[source] = p[payloadContentHash].GetStringValue()
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return hashes, nil
		}
	}
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// chunkFromPayload rebuilds a Chunk from a stored point's payload.
func chunkFromPayload(id string, score float32, payload map[string]*qdrant.Value) Chunk {
	c := Chunk{
		ID:       id,
		Score:    score,
		Metadata: make(map[string]string),
	}
	for k, v := range payload {
		switch k {
		case payloadText:
			c.Text = v.GetStringValue()
		case payloadSourceID:
			c.SourceID = v.GetStringValue()
		case payloadContentHash:
			c.ContentHash = v.GetStringValue()
		case payloadPosition:
			c.Position = int(v.GetIntegerValue())
		default:
			c.Metadata[k] = v.GetStringValue()
		}
	}
	return c
}
