package chat

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/store"
)

// systemPrompt is the base system prompt injected into every conversation.
const systemPrompt = `You are Lorekeep, an assistant that answers questions about a curated
collection of articles. Ground every answer in the excerpts provided below.
When the excerpts do not contain the answer, say so plainly instead of
guessing. Cite the source file of the excerpts you rely on.`

// buildContextBlock formats retrieved chunks into the grounding section of
// the system message. Chunk order is preserved as given so the most relevant
// excerpt appears first.
func buildContextBlock(chunks []rag.Chunk) string {
	var sb strings.Builder
	sb.WriteString("## Retrieved Context\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&sb, "### Excerpt %d [source: %s]\n%s\n\n", i+1, c.SourceID, c.Text)
	}
	return sb.String()
}

// buildMessages assembles the full message slice for the model in a fixed
// order: system prompt with grounding context first, then prior turns
// oldest-to-newest, then the current query. The order is part of the
// generation contract and must not vary between calls.
func buildMessages(chunks []rag.Chunk, history []store.Turn, query string) []*schema.Message {
	system := systemPrompt
	if len(chunks) > 0 {
		system += "\n\n" + buildContextBlock(chunks)
	}

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(system))
	for _, t := range history {
		switch t.Role {
		case store.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case store.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	msgs = append(msgs, schema.UserMessage(query))
	return msgs
}
