package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorehaven/lorekeep/internal/logging"
)

// NewSearchCmd constructs the `lorekeep search` command, which runs retrieval
// against the vector index without calling the model.
func NewSearchCmd() *cobra.Command {
	var limit int
	var noFloor bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the indexed corpus",
		Long: `Run a similarity search against the vector index and print the matching
chunks with their scores. No model call is made — this is the raw retrieval
the chat pipeline grounds its answers in, useful for judging index quality.

Examples:
  lorekeep search "goroutine leaks"
  lorekeep search --limit 10 --no-floor "obscure topic"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			retriever, closeRetriever, err := buildRetriever(ctx, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer closeRetriever()

			// A negative floor selects the retriever default; zero disables it.
			floor := float32(-1)
			if noFloor {
				floor = 0
			}

			chunks, err := retriever.Retrieve(ctx, args[0], limit, floor)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if len(chunks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, c := range chunks {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s#%d\n%s\n\n",
					c.Score, c.SourceID, c.Position, c.Text)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (default: RETRIEVAL_TOP_K or 5)")
	cmd.Flags().BoolVar(&noFloor, "no-floor", false, "Disable the similarity score floor")

	return cmd
}
