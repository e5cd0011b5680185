// Package main implements the inkdexd daemon: the semantic content
// discovery service exposed over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/config"
	"github.com/fyrsmithlabs/inkdex/internal/httpapi"
	"github.com/fyrsmithlabs/inkdex/internal/logging"
	"github.com/fyrsmithlabs/inkdex/internal/services"
	"github.com/fyrsmithlabs/inkdex/internal/story"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "inkdexd",
	Short: "Semantic content discovery daemon for story projects",
	Long: `inkdexd indexes story content (chapters, character profiles, world
references and project metadata) into a vector index and serves
semantic search over it.

Entity saves are pushed to the sync endpoints; queries go to the
search endpoint. See the configuration file for index, embedding and
cache settings.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	repo := story.NewMemoryRepository()

	registry, err := services.New(cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("creating services: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("failed to close services", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.Cache().StartPruner(ctx)

	server, err := httpapi.NewServer(registry, repo, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("inkdexd started",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("vector_provider", cfg.VectorStore.Provider),
		zap.String("embedding_model", cfg.Embeddings.Model),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logger.Info("inkdexd stopped")
	return nil
}
