package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/syncer"
)

// NewSyncCmd constructs the `lorekeep sync` command, which runs a single
// synchronization pass between the corpus source and the vector index.
func NewSyncCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the corpus into the vector index",
		Long: `Diff the corpus source against the vector index and reindex what changed.

An incremental run (the default) asks the source only for documents modified
since the last completed run and skips any whose content hash already matches
the index. A full run re-examines every document and prunes index entries
whose source document no longer exists.

Required environment variables:
  QDRANT_HOST             Qdrant server hostname (default: localhost)
  QDRANT_PORT             Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION       Collection name (default: lorekeep-corpus)
  SOURCE_GITHUB_OWNER/REPO/PATH
                          GitHub repository directory to sync from, or
  SOURCE_LOCAL_DIR        local markdown directory to sync from
  MODEL_PROVIDER          Embedding backend: ollama, openai, azure (default: ollama)

Examples:
  lorekeep sync
  lorekeep sync --full
  SOURCE_LOCAL_DIR=./posts lorekeep sync --full`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			fetcher, err := buildFetcher()
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			emb, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			vs, err := buildVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			defer func() { _ = vs.Close() }()

			st, err := openStore(log)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if st == nil {
				return fmt.Errorf("sync: checkpoint store is required; unset LOREKEEP_DB=disabled")
			}
			defer func() { _ = st.Close() }()

			sc := syncer.New(fetcher, emb, vs, st, syncer.Options{
				ChunkSize:    envInt("CHUNK_SIZE", 0),
				ChunkOverlap: envInt("CHUNK_OVERLAP", 0),
			})

			state, err := sc.Sync(ctx, full)
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			log.Info("sync finished",
				slog.String("status", string(state.Status)),
				slog.Int("documents_total", state.DocumentsTotal),
				slog.Int("documents_skipped", state.DocumentsSkipped),
				slog.Int("documents_failed", state.DocumentsFailed),
				slog.Int("chunks_indexed", state.ChunksIndexed),
				slog.Int("sources_pruned", state.SourcesPruned),
			)
			if state.DocumentsFailed > 0 {
				log.Warn("some documents failed to index", slog.String("last_error", state.LastError))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Re-examine every document and prune vanished sources")

	return cmd
}
