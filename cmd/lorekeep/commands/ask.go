package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorehaven/lorekeep/internal/chat"
	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/provider"
	"github.com/lorehaven/lorekeep/internal/store"
)

// NewAskCmd constructs the `lorekeep ask` command, which answers a single
// question grounded in the indexed corpus and prints the cited sources.
func NewAskCmd() *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question grounded in your corpus",
		Long: `Ask a natural language question answered from the indexed corpus.

The answer is grounded in retrieved excerpts and each response lists the
source files it drew from. Pass --chat to continue a prior conversation;
without it every invocation starts a fresh one.

Examples:
  lorekeep ask "what did I write about goroutine leaks?"
  lorekeep ask --chat 3f2a... "and how did I fix it?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			completer, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			retriever, closeRetriever, err := buildRetriever(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer closeRetriever()

			st, err := openStore(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			var history store.TurnStore
			if st != nil {
				history = st
				defer func() { _ = st.Close() }()
			}

			orch := chat.New(retriever, completer, history, chatOptionsFromEnv())

			if chatID == "" {
				chatID = uuid.NewString()
			}

			answer, err := orch.Generate(ctx, chatID, args[0])
			if err != nil {
				if errors.Is(err, chat.ErrNoContext) {
					return fmt.Errorf("ask: nothing in the corpus matches this question")
				}
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), answer.Content)

			if len(answer.CitedChunks) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "\nSources:")
				seen := make(map[string]bool)
				for _, c := range answer.CitedChunks {
					if seen[c.SourceID] {
						continue
					}
					seen[c.SourceID] = true
					fmt.Fprintf(cmd.OutOrStdout(), "  %s (score %.2f)\n", c.SourceID, c.Score)
				}
			}
			if answer.PersistErr != nil {
				fmt.Fprintf(os.Stderr, "warning: conversation not saved: %v\n", answer.PersistErr)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nchat id: %s\n", chatID)
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "Chat ID to continue a prior conversation")

	return cmd
}
