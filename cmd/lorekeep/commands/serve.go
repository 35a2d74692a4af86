package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorehaven/lorekeep/internal/chat"
	"github.com/lorehaven/lorekeep/internal/logging"
	"github.com/lorehaven/lorekeep/internal/provider"
	"github.com/lorehaven/lorekeep/internal/rag"
	"github.com/lorehaven/lorekeep/internal/server"
	"github.com/lorehaven/lorekeep/internal/store"
	"github.com/lorehaven/lorekeep/internal/syncer"
	"github.com/lorehaven/lorekeep/internal/tracing"
)

// NewServeCmd constructs the `lorekeep serve` command, which starts the HTTP
// server exposing chat, search, and sync over a REST API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Lorekeep HTTP server",
		Long: `Start the Lorekeep HTTP server on localhost.

The server exposes a REST API for grounded chat (POST /api/chat), raw
retrieval (POST /api/search), and corpus synchronization (POST /api/sync,
GET /api/sync/status), plus health, readiness, and Prometheus metrics
endpoints.

Examples:
  lorekeep serve
  lorekeep serve --port 9090
  MODEL_PROVIDER=azure lorekeep serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Flags win over SERVER_HOST/SERVER_PORT, which win over defaults.
			if !cmd.Flags().Changed("host") {
				host = envOrDefault("SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = envInt("SERVER_PORT", port)
			}

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				tracing.Install(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			completer, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised")

			emb, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			vs, err := buildVectorStore(ctx)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = vs.Close() }()

			retriever, err := rag.NewRetriever(emb, vs,
				envInt("RETRIEVAL_TOP_K", 0),
				envFloat32("RETRIEVAL_SCORE_FLOOR", defaultScoreFloor),
			)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			st, err := openStore(log)
			if err != nil {
				log.Warn("store unavailable, history and sync disabled", slog.Any("error", err))
				st = nil
			}
			if st != nil {
				defer func() { _ = st.Close() }()
			}

			var history store.TurnStore
			if st != nil {
				history = st
			}
			orch := chat.New(retriever, completer, history, chatOptionsFromEnv())

			// Sync needs both a corpus source and a checkpoint store; without
			// either, the server runs chat and search only.
			var sc *syncer.Syncer
			if st != nil {
				fetcher, fErr := buildFetcher()
				if fErr != nil {
					log.Warn("sync disabled", slog.Any("error", fErr))
				} else {
					sc = syncer.New(fetcher, emb, vs, st, syncer.Options{
						ChunkSize:    envInt("CHUNK_SIZE", 0),
						ChunkOverlap: envInt("CHUNK_OVERLAP", 0),
					})
					log.Info("sync enabled", slog.String("source", fetcher.Name()))
				}
			}

			pingers := []server.Pinger{server.NewQdrantPinger(vs.Client())}
			if st != nil {
				pingers = append(pingers, server.NewSQLitePinger(st))
			}

			cfg := &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("LOREKEEP_API_KEY"),
			}

			var srv *server.Server
			if sc != nil {
				srv, err = server.New(orch, sc, retriever, cfg)
			} else {
				srv, err = server.New(orch, nil, retriever, cfg)
			}
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
