package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/retry"
	"github.com/lorehaven/lorekeep/internal/store"
)

type fakeRetriever struct {
	chunks []rag.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(context.Context, string, int, float32) ([]rag.Chunk, error) {
	return f.chunks, f.err
}

type fakeCompleter struct {
	answer   string
	failures int
	err      error // returned on every call when set
	calls    int
	lastMsgs []*schema.Message
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []*schema.Message) (string, error) {
	f.calls++
	f.lastMsgs = msgs
	if f.err != nil {
		return "", f.err
	}
	if f.calls <= f.failures {
		return "", errors.New("model overloaded")
	}
	return f.answer, nil
}

type memTurnStore struct {
	turns     map[string][]store.Turn
	appendErr error
}

func newMemTurnStore() *memTurnStore {
	return &memTurnStore{turns: map[string][]store.Turn{}}
}

func (m *memTurnStore) AppendExchange(_ context.Context, chatID string, user, assistant store.Turn) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns[chatID] = append(m.turns[chatID], user, assistant)
	return nil
}

func (m *memTurnStore) Recent(_ context.Context, chatID string, n int) ([]store.Turn, error) {
	all := m.turns[chatID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (m *memTurnStore) Close() error { return nil }

func noSleepPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func Test_Generate_PromptOrderContract(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{chunks: []rag.Chunk{
		{ID: "c1", SourceID: "2024-01-01-go.md", Text: "Go was announced in 2009."},
		{ID: "c2", SourceID: "2024-02-01-history.md", Text: "It reached 1.0 in 2012."},
	}}
	completer := &fakeCompleter{answer: "Go reached 1.0 in 2012."}
	history := newMemTurnStore()
	history.turns["chat-1"] = []store.Turn{
		{Role: store.RoleUser, Content: "What is Go?"},
		{Role: store.RoleAssistant, Content: "A programming language."},
	}

	o := New(retriever, completer, history, Options{})
	if _, err := o.Generate(context.Background(), "chat-1", "When did Go reach 1.0?"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	msgs := completer.lastMsgs
	if len(msgs) != 4 {
		t.Fatalf("want 4 messages, got %d", len(msgs))
	}

	wantSystem := systemPrompt + "\n\n" +
		"## Retrieved Context\n\n" +
		"### Excerpt 1 [source: 2024-01-01-go.md]\nGo was announced in 2009.\n\n" +
		"### Excerpt 2 [source: 2024-02-01-history.md]\nIt reached 1.0 in 2012.\n\n"
	if msgs[0].Role != schema.System || msgs[0].Content != wantSystem {
		t.Errorf("system message mismatch:\nwant %q\ngot  %q", wantSystem, msgs[0].Content)
	}
	if msgs[1].Role != schema.User || msgs[1].Content != "What is Go?" {
		t.Errorf("history user turn out of place: %s %q", msgs[1].Role, msgs[1].Content)
	}
	if msgs[2].Role != schema.Assistant || msgs[2].Content != "A programming language." {
		t.Errorf("history assistant turn out of place: %s %q", msgs[2].Role, msgs[2].Content)
	}
	if msgs[3].Role != schema.User || msgs[3].Content != "When did Go reach 1.0?" {
		t.Errorf("query must be last: %s %q", msgs[3].Role, msgs[3].Content)
	}
}

func Test_Generate_PersistsBothTurnsWithCitations(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{chunks: []rag.Chunk{
		{ID: "chunk-a", SourceID: "a.md", Text: "alpha"},
		{ID: "chunk-b", SourceID: "b.md", Text: "beta"},
	}}
	completer := &fakeCompleter{answer: "grounded answer"}
	history := newMemTurnStore()

	o := New(retriever, completer, history, Options{})
	answer, err := o.Generate(context.Background(), "chat-2", "question")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer.PersistErr != nil {
		t.Fatalf("unexpected persist error: %v", answer.PersistErr)
	}

	turns := history.turns["chat-2"]
	if len(turns) != 2 {
		t.Fatalf("want 2 persisted turns, got %d", len(turns))
	}
	if turns[0].Role != store.RoleUser || turns[0].Content != "question" {
		t.Errorf("user turn wrong: %+v", turns[0])
	}
	if turns[1].Role != store.RoleAssistant || turns[1].Content != "grounded answer" {
		t.Errorf("assistant turn wrong: %+v", turns[1])
	}
	if len(turns[1].CitedChunkIDs) != 2 || turns[1].CitedChunkIDs[0] != "chunk-a" || turns[1].CitedChunkIDs[1] != "chunk-b" {
		t.Errorf("cited chunk ids wrong: %v", turns[1].CitedChunkIDs)
	}
}

func Test_Generate_RetrievalFailureIsGenerationError(t *testing.T) {
	t.Parallel()

	retriever := &fakeRetriever{err: &rag.RetrievalError{Err: errors.New("qdrant down")}}
	o := New(retriever, &fakeCompleter{}, nil, Options{})

	_, err := o.Generate(context.Background(), "chat-3", "question")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if genErr.Stage != "retrieve" {
		t.Errorf("want stage retrieve, got %s", genErr.Stage)
	}
	var retErr *rag.RetrievalError
	if !errors.As(err, &retErr) {
		t.Error("underlying RetrievalError must remain unwrappable")
	}
}

func Test_Generate_RetriesTransientModelFailure(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{answer: "late success", failures: 2}
	o := New(&fakeRetriever{}, completer, nil, Options{Retry: noSleepPolicy(3)})

	answer, err := o.Generate(context.Background(), "chat-4", "question")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if answer.Content != "late success" {
		t.Errorf("want late success, got %q", answer.Content)
	}
	if completer.calls != 3 {
		t.Errorf("want 3 calls, got %d", completer.calls)
	}
}

func Test_Generate_ExhaustedRetriesFail(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{failures: 10}
	o := New(&fakeRetriever{}, completer, nil, Options{Retry: noSleepPolicy(2)})

	_, err := o.Generate(context.Background(), "chat-5", "question")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if genErr.Stage != "complete" {
		t.Errorf("want stage complete, got %s", genErr.Stage)
	}
	if completer.calls != 2 {
		t.Errorf("want 2 calls, got %d", completer.calls)
	}
}

func Test_Generate_PermanentModelFailureNotRetried(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{err: retry.Permanent(errors.New("invalid api key"))}
	o := New(&fakeRetriever{}, completer, nil, Options{Retry: noSleepPolicy(5)})

	_, err := o.Generate(context.Background(), "chat-9", "question")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
	if completer.calls != 1 {
		t.Errorf("permanent failure retried: want 1 call, got %d", completer.calls)
	}
}

func Test_Generate_RequireContextRejectsEmptyRetrieval(t *testing.T) {
	t.Parallel()

	o := New(&fakeRetriever{}, &fakeCompleter{answer: "x"}, nil, Options{RequireContext: true})
	if _, err := o.Generate(context.Background(), "chat-6", "question"); !errors.Is(err, ErrNoContext) {
		t.Fatalf("want ErrNoContext, got %v", err)
	}
}

func Test_Generate_PersistFailureDoesNotMaskAnswer(t *testing.T) {
	t.Parallel()

	history := newMemTurnStore()
	history.appendErr = errors.New("disk full")
	o := New(&fakeRetriever{}, &fakeCompleter{answer: "fine answer"}, history, Options{})

	answer, err := o.Generate(context.Background(), "chat-7", "question")
	if err != nil {
		t.Fatalf("generate must succeed despite persist failure: %v", err)
	}
	if answer.Content != "fine answer" {
		t.Errorf("content lost: %q", answer.Content)
	}
	if answer.PersistErr == nil {
		t.Error("persist failure must be reported")
	}
	if got := len(history.turns["chat-7"]); got != 0 {
		t.Errorf("failed persistence must leave no partial exchange, got %d turn(s)", got)
	}
}

func Test_Generate_EmptyRetrievalOmitsContextBlock(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{answer: "ungrounded"}
	o := New(&fakeRetriever{}, completer, nil, Options{})

	if _, err := o.Generate(context.Background(), "chat-8", "question"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if completer.lastMsgs[0].Content != systemPrompt {
		t.Errorf("empty retrieval must not add a context block:\n%q", completer.lastMsgs[0].Content)
	}
}
