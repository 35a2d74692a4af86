package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lorehaven/lorekeep/internal/chat"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/syncer"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics. If nil, the
	// default registerer is used. Tests inject a fresh registry to stay
	// hermetic.
	Registry prometheus.Registerer
}

// generator is the interface handleChat calls to produce an answer.
// *chat.Orchestrator satisfies it; tests inject a fake.
type generator interface {
	Generate(ctx context.Context, chatID, query string) (chat.Answer, error)
}

// syncRunner is the interface the sync handlers call.
// *syncer.Syncer satisfies it; tests inject a fake.
type syncRunner interface {
	Sync(ctx context.Context, full bool) (syncer.State, error)
	Tracker() *syncer.Tracker
}

// Server is the HTTP server that exposes the RAG pipeline.
type Server struct {
	// generator produces answers for POST /api/chat.
	generator generator
	// syncRunner drives POST /api/sync and GET /api/sync/status.
	syncRunner syncRunner
	// retriever backs POST /api/search.
	retriever rag.Retriever
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// ChatID identifies the conversation. Empty starts a new one.
	ChatID string `json:"chat_id"`
	// Message is the user's question.
	Message string `json:"message"`
}

// chatSource describes one cited chunk in a chat response.
type chatSource struct {
	// ChunkID is the vector-store id of the cited chunk.
	ChunkID string `json:"chunk_id"`
	// SourceID is the document the chunk came from.
	SourceID string `json:"source_id"`
	// Score is the similarity score at retrieval time.
	Score float32 `json:"score"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	// ChatID identifies the conversation; echo it on the next request to
	// continue the thread.
	ChatID string `json:"chat_id"`
	// Answer is the generated text.
	Answer string `json:"answer"`
	// Sources lists the chunks the answer was grounded on.
	Sources []chatSource `json:"sources"`
	// Persisted is false when the exchange could not be written to history.
	Persisted bool `json:"persisted"`
}

// syncRequest is the JSON body for POST /api/sync.
type syncRequest struct {
	// Full requests a full resync instead of an incremental one.
	Full bool `json:"full"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	// Query is the text to search for.
	Query string `json:"query"`
	// Limit caps the number of results. Zero means the retriever default.
	Limit int `json:"limit"`
	// ScoreFloor filters out results below this similarity. Omitted or zero
	// keeps the retriever default; pass a negative value to disable the floor.
	ScoreFloor float32 `json:"score_floor"`
}

// searchResult is one entry in the POST /api/search response.
type searchResult struct {
	// ChunkID is the vector-store id of the chunk.
	ChunkID string `json:"chunk_id"`
	// SourceID is the document the chunk came from.
	SourceID string `json:"source_id"`
	// Position is the chunk's ordinal within the document.
	Position int `json:"position"`
	// Text is the chunk content.
	Text string `json:"text"`
	// Score is the similarity score.
	Score float32 `json:"score"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	// Results are the matching chunks, most similar first.
	Results []searchResult `json:"results"`
}
