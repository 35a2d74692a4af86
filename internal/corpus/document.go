// Package corpus defines the source document model and the deterministic
// chunker that splits document bodies into overlapping, identity-stable
// chunks. Everything in this package is pure computation — fetching lives in
// internal/source, embedding and storage in internal/rag.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is a single source document as reported by a source fetcher.
// Documents are never persisted wholesale — only their derived chunks are.
type Document struct {
	// SourceID is the document's stable identifier within its origin
	// (e.g. "_posts/2024-01-15-metasurfaces.md").
	SourceID string

	// ContentHash is the sha256 hex digest of the raw document text,
	// computed before frontmatter removal. Two fetches of unchanged content
	// always produce the same hash.
	ContentHash string

	// ModifiedAt is the origin-reported last-modification time.
	ModifiedAt time.Time

	// Frontmatter holds the key/value pairs extracted from the document's
	// YAML header, in declaration order.
	Frontmatter Frontmatter

	// Body is the document text after frontmatter removal.
	Body string
}

// NewDocument builds a Document from raw source text: it hashes the raw
// content, strips the YAML frontmatter fence if present, and records the
// origin metadata.
func NewDocument(sourceID, raw string, modifiedAt time.Time) (Document, error) {
	fm, body, err := SplitFrontmatter(raw)
	if err != nil {
		return Document{}, fmt.Errorf("corpus: document %s: %w", sourceID, err)
	}
	return Document{
		SourceID:    sourceID,
		ContentHash: HashContent(raw),
		ModifiedAt:  modifiedAt,
		Frontmatter: fm,
		Body:        body,
	}, nil
}

// HashContent returns the sha256 hex digest of raw document text.
func HashContent(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Frontmatter is an ordered list of key/value pairs from a document's YAML
// header. Order matches declaration order in the source file.
type Frontmatter []Field

// Field is a single frontmatter entry. Values are flattened to their string
// representation; nested structures are rendered as YAML flow text.
type Field struct {
	// Key is the frontmatter key (e.g. "title").
	Key string
	// Value is the scalar string form of the frontmatter value.
	Value string
}

// Get returns the value for key, or empty string if the key is absent.
func (f Frontmatter) Get(key string) string {
	for _, field := range f {
		if field.Key == key {
			return field.Value
		}
	}
	return ""
}

// frontmatterFence delimits a Jekyll-style YAML header.
const frontmatterFence = "---"

// SplitFrontmatter separates a Jekyll-style YAML frontmatter header from the
// document body. A header is present only when the document's first line is
// exactly "---"; otherwise the whole input is returned as the body with an
// empty Frontmatter. A malformed header (opening fence with no closing fence,
// or invalid YAML between the fences) is an error — such documents are
// recorded as failures rather than silently indexed with their header inline.
func SplitFrontmatter(raw string) (Frontmatter, string, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")

	if !strings.HasPrefix(normalized, frontmatterFence+"\n") && normalized != frontmatterFence {
		return nil, raw, nil
	}

	rest := strings.TrimPrefix(normalized, frontmatterFence+"\n")
	idx := strings.Index(rest, "\n"+frontmatterFence)
	if idx < 0 {
		return nil, "", fmt.Errorf("frontmatter fence is never closed")
	}

	header := rest[:idx]
	body := rest[idx+len("\n"+frontmatterFence):]
	body = strings.TrimPrefix(body, "\n")

	fm, err := parseFrontmatter(header)
	if err != nil {
		return nil, "", err
	}
	return fm, body, nil
}

// parseFrontmatter decodes the YAML header into an ordered Frontmatter list.
// A yaml.Node is used instead of a map so declaration order is preserved.
func parseFrontmatter(header string) (Frontmatter, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(header), &root); err != nil {
		return nil, fmt.Errorf("invalid frontmatter YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("frontmatter is not a key/value mapping")
	}

	fm := make(Frontmatter, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i]
		val := mapping.Content[i+1]
		fm = append(fm, Field{Key: key.Value, Value: scalarize(val)})
	}
	return fm, nil
}

// scalarize renders a YAML value node as a plain string. Scalars pass
// through; sequences and mappings are re-encoded as single-line YAML flow.
func scalarize(n *yaml.Node) string {
	if n.Kind == yaml.ScalarNode {
		return n.Value
	}
	out, err := yaml.Marshal(n)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
