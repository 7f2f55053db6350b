// Package main provides the entry point for the upload connector.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/maauso/gcs-connector/internal/bootstrap"
	"github.com/maauso/gcs-connector/internal/config"
	"github.com/maauso/gcs-connector/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Upload segments and images until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and print the derived destinations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.OutOrStdout(), envFile, time.Now())
		},
	}

	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Ship finished video segments and images to Cloud Storage",
		Long: `The connector watches a working directory for rotating video segments and,
optionally, a directory of loose images. Files that have stopped growing are
uploaded to the configured gs:// destinations, deleted locally, and listed in a
JSON manifest written next to the first destination.

Configuration is read from the environment. Examples:
  OUTPUTS='gs://bucket/videos/%Y-%m-%d/clip.mp4!segtime=0.5' connector run
  connector validate --env-file ./connector.env`,
		SilenceUsage: true,
		RunE:         runCmd.RunE,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading configuration")
	rootCmd.AddCommand(runCmd, validateCmd)
	return rootCmd
}

// loadEnv loads a .env file. An explicit file must exist; the implicit
// ./.env is optional.
func loadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func loadConfig(envFile string) (*config.Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(w io.Writer, envFile string, now time.Time) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	dests, err := cfg.Destinations()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "configuration ok: %d destination(s), backend %s\n", len(dests), cfg.StorageBackend)
	for _, d := range dests {
		fmt.Fprintf(w, "  %s\n", d)
		fmt.Fprintf(w, "    segment: %gm  poll: %s  local: %s*%s\n", d.SegmentMinutes, d.PollInterval, d.Prefix(), d.Ext())
		fmt.Fprintf(w, "    example: gs://%s/%s\n", d.Bucket, d.ObjectKey(d.Prefix()+"0001"+d.Ext(), now))
	}
	first := dests[0]
	fmt.Fprintf(w, "manifest: gs://%s/%s\n", first.Bucket, path.Join(first.RenderDir(now), cfg.ManifestName))
	if cfg.ImageDirectory != "" {
		fmt.Fprintf(w, "images: %s -> gs://%s/%s\n", cfg.ImageDirectory, first.Bucket, path.Join(first.RenderDir(now), "images"))
	}
	return nil
}

func run(envFile string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting connector",
		slog.Any("outputs", cfg.Outputs),
		slog.String("workdir", cfg.WorkDir),
		slog.String("image_directory", cfg.ImageDirectory),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.Duration("timeout", cfg.Timeout()),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("closing storage failed", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := deps.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	var srv *http.Server
	if cfg.StatusAddr != "" {
		handlers := server.NewHandlers(deps.Orchestrator, logger)
		srv = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           server.NewRouter(handlers, deps.Registry, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      cfg.Timeout() + 30*time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("status server listening",
				slog.String("addr", srv.Addr),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("status server failed: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errCh:
		logger.Error("shutting down after error", slog.String("error", runErr.Error()))
	}

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", slog.String("error", err.Error()))
		}
		cancelShutdown()
	}

	// Workers drain within DrainTimeout; the margin covers the final manifest write.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.DrainTimeout+cfg.Timeout())
	defer cancelStop()

	logger.Info("draining uploads...")
	if err := deps.Orchestrator.Stop(stopCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("stop orchestrator: %w", err))
	}

	logger.Info("connector stopped gracefully")
	return runErr
}
