package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-memory/internal/engine"
	"github.com/aaron031291/grace-memory/internal/events"
	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/internal/storage/postgres"
	"github.com/aaron031291/grace-memory/internal/storage/sqlite"
	"github.com/aaron031291/grace-memory/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory engine and event stream",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Storage.DataPath, "grace.db")
	backend, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer backend.Close()

	// Anchors and audit entries always live in sqlite. Postgres, when
	// configured, takes over embedding storage for pgvector search.
	var embeddings storage.EmbeddingProvider
	if cfg.Storage.Engine == "postgres" {
		pg, err := postgres.Open(cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDim)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		embeddings = pg
		fmt.Fprintf(os.Stderr, "  embeddings: postgres (dim %d)\n", cfg.Storage.EmbeddingDim)
	}

	breaker := scoring.DefaultBreakerConfig()
	deps := engine.Dependencies{
		Backend:    backend,
		Embeddings: embeddings,
		Scorer:     scoring.NewGuardedScorer(scoring.NewKeywordRiskScorer(), breaker),
		Embedder:   scoring.NewGuardedEmbedder(scoring.NewFeatureHashEmbedder(), breaker),
		Trust:      scoring.PrefixTrust("verified_"),
	}

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg.EngineConfig(), deps)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "grace-memory %s\n", Version)
	})

	var hub *events.Hub
	if cfg.Events.Enabled {
		hub = events.NewHub()
		go hub.Run()
		defer hub.Stop()

		eng.SetOnNodeCreated(func(nodeID string) {
			hub.Publish(events.TypeNodeCreated, map[string]interface{}{"node_id": nodeID})
		})
		eng.SetOnIngestionResolved(func(item types.IngestionItem) {
			hub.Publish(events.TypeIngestionDone, map[string]interface{}{
				"ingestion_id": item.ID,
				"status":       string(item.Status),
				"node_id":      item.NodeID,
			})
		})
		eng.SetOnEntropyAlert(func(contradictions int) {
			hub.Publish(events.TypeEntropyAlert, map[string]interface{}{
				"contradictions": contradictions,
			})
		})
		mux.Handle("/ws", hub)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "grace-memory serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}
	return eng.Shutdown(shutdownCtx)
}
