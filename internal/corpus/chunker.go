package corpus

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lorehaven/lorekeep/internal/rag"
)

// chunkNamespace is the fixed UUID namespace used to derive chunk IDs.
// Chunk IDs are v5 UUIDs over (source id, position, text) so that
// re-chunking unchanged content always yields the same IDs, and so the IDs
// are valid vector-store point identifiers.
var chunkNamespace = uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8")

// Default chunking parameters, matching the corpus the system was built for
// (short-to-medium markdown articles).
const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is the number of characters shared between
	// consecutive chunks.
	DefaultChunkOverlap = 100
)

// Split cuts a document body into ordered, overlapping chunks of at most
// size characters. Chunk k starts at offset k*(size-overlap); the final
// chunk may be shorter. A body shorter than size yields exactly one chunk
// equal to the whole body; an empty body yields no chunks.
//
// The boundaries are a pure function of (body, size, overlap): identical
// inputs always produce the identical sequence, which is what keeps chunk
// IDs stable across repeated sync runs.
//
// Offsets are measured in characters (runes), not bytes, so multi-byte
// text never splits mid-character.
func Split(doc Document, size, overlap int) ([]rag.Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("corpus: chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("corpus: overlap must satisfy 0 <= overlap < size, got overlap=%d size=%d", overlap, size)
	}

	runes := []rune(doc.Body)
	if len(runes) == 0 {
		return nil, nil
	}

	meta := chunkMetadata(doc)

	var chunks []rag.Chunk
	stride := size - overlap
	for start, pos := 0, 0; start < len(runes); start, pos = start+stride, pos+1 {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		text := string(runes[start:end])

		prefix := 0
		if pos > 0 {
			prefix = overlap
			if prefix > end-start {
				prefix = end - start
			}
		}

		chunks = append(chunks, rag.Chunk{
			ID:          ChunkID(doc.SourceID, pos, text),
			Text:        text,
			SourceID:    doc.SourceID,
			ContentHash: doc.ContentHash,
			Position:    pos,
			Overlap:     prefix,
			Metadata:    meta,
		})

		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}

// ChunkID returns the deterministic identifier for a chunk: a v5 UUID over
// the source id, position, and chunk text.
func ChunkID(sourceID string, position int, text string) string {
	name := fmt.Sprintf("%s#%d#%s", sourceID, position, text)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// chunkMetadata selects the frontmatter subset carried into every chunk's
// index payload. Only title and date are kept — the full frontmatter stays
// with the transient Document.
func chunkMetadata(doc Document) map[string]string {
	meta := make(map[string]string, 2)
	if v := doc.Frontmatter.Get("title"); v != "" {
		meta["title"] = v
	}
	if v := doc.Frontmatter.Get("date"); v != "" {
		meta["date"] = v
	}
	return meta
}
