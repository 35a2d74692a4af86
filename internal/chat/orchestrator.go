// Package chat orchestrates answer generation: retrieve grounding chunks,
// load recent conversation history, assemble the prompt, call the LLM with
// bounded retries, and persist both turns of the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/provider"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/retry"
	"github.com/lorehaven/lorekeep/internal/store"
)

// Default generation parameters.
const (
	// DefaultContextLimit is the number of chunks retrieved per query.
	DefaultContextLimit = 5
	// DefaultHistoryDepth is the number of prior exchanges injected into the
	// prompt. Each exchange is two turns.
	DefaultHistoryDepth = 5
	// DefaultTimeout bounds a single model call.
	DefaultTimeout = 120 * time.Second
)

// ErrNoContext is returned when retrieval finds nothing above the similarity
// floor and the orchestrator is configured to require grounding.
var ErrNoContext = errors.New("chat: no relevant context found")

// GenerationError reports a failure during answer generation. Stage names
// the pipeline step that failed.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Answer is the result of one generation.
type Answer struct {
	// Content is the generated text.
	Content string
	// CitedChunks are the chunks whose text was supplied to the model,
	// in retrieval order.
	CitedChunks []rag.Chunk
	// PersistErr is non-nil when the exchange could not be written to
	// history. The answer itself is still valid.
	PersistErr error
}

// Options configures an Orchestrator. Zero values select the defaults above.
type Options struct {
	// ContextLimit is the number of chunks to retrieve per query.
	ContextLimit int
	// ScoreFloor is the minimum similarity for a chunk to be used. Negative
	// means the retriever's default.
	ScoreFloor float32
	// HistoryDepth is the number of prior exchanges to inject.
	HistoryDepth int
	// Timeout bounds each model call.
	Timeout time.Duration
	// Retry is the policy for transient model failures. Zero MaxAttempts
	// means a single attempt.
	Retry retry.Policy
	// RequireContext makes Generate fail with ErrNoContext when retrieval
	// returns nothing. The default (false) answers ungrounded, noting the
	// empty context in the debug log.
	RequireContext bool
}

// Orchestrator wires the retrieval, generation, and persistence steps.
// Safe for concurrent use.
type Orchestrator struct {
	retriever rag.Retriever
	completer provider.Completer
	history   store.TurnStore
	opts      Options
}

// New creates an Orchestrator. history may be nil, in which case exchanges
// are not persisted and every query starts a fresh conversation.
func New(retriever rag.Retriever, completer provider.Completer, history store.TurnStore, opts Options) *Orchestrator {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = DefaultContextLimit
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Orchestrator{
		retriever: retriever,
		completer: completer,
		history:   history,
		opts:      opts,
	}
}

// Generate answers one query within the given chat. The pipeline is fixed:
// retrieve grounding chunks, load recent history, assemble the prompt, call
// the model, persist the exchange. A persistence failure does not invalidate
// the answer; it is reported through Answer.PersistErr.
func (o *Orchestrator) Generate(ctx context.Context, chatID, query string) (Answer, error) {
	log := logging.FromContext(ctx)

	chunks, err := o.retriever.Retrieve(ctx, query, o.opts.ContextLimit, o.opts.ScoreFloor)
	if err != nil {
		return Answer{}, &GenerationError{Stage: "retrieve", Err: err}
	}
	if len(chunks) == 0 {
		if o.opts.RequireContext {
			return Answer{}, ErrNoContext
		}
		log.Debug("chat: no context above floor, answering ungrounded",
			slog.String("chat_id", chatID),
		)
	}

	history := o.loadHistory(ctx, chatID)
	msgs := buildMessages(chunks, history, query)

	var content string
	err = o.opts.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
		out, err := o.completer.Complete(callCtx, msgs)
		if err != nil {
			return err
		}
		content = out
		return nil
	})
	if err != nil {
		return Answer{}, &GenerationError{Stage: "complete", Err: err}
	}

	answer := Answer{Content: content, CitedChunks: chunks}
	answer.PersistErr = o.persistExchange(ctx, chatID, query, answer)
	if answer.PersistErr != nil {
		log.Warn("chat: exchange not persisted",
			slog.String("chat_id", chatID),
			slog.String("error", answer.PersistErr.Error()),
		)
	}
	return answer, nil
}

// loadHistory returns the recent turns for the chat, oldest-first. A load
// failure degrades to an empty history rather than failing the query.
func (o *Orchestrator) loadHistory(ctx context.Context, chatID string) []store.Turn {
	if o.history == nil {
		return nil
	}
	turns, err := o.history.Recent(ctx, chatID, o.opts.HistoryDepth*2)
	if err != nil {
		logging.FromContext(ctx).Warn("chat: failed to load history",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return turns
}

// persistExchange writes the user turn and the assistant turn as one atomic
// unit, the latter carrying the ids of every cited chunk. The store commits
// both or neither, so a failure here never strands a question without its
// reply.
func (o *Orchestrator) persistExchange(ctx context.Context, chatID, query string, answer Answer) error {
	if o.history == nil {
		return nil
	}

	cited := make([]string, len(answer.CitedChunks))
	for i, c := range answer.CitedChunks {
		cited[i] = c.ID
	}

	now := time.Now()
	err := o.history.AppendExchange(ctx, chatID,
		store.Turn{
			Role:      store.RoleUser,
			Content:   query,
			CreatedAt: now,
		},
		store.Turn{
			Role:          store.RoleAssistant,
			Content:       answer.Content,
			CitedChunkIDs: cited,
			CreatedAt:     now.Add(time.Millisecond),
		},
	)
	if err != nil {
		return fmt.Errorf("persist exchange: %w", err)
	}
	return nil
}
