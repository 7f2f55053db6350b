// Package bootstrap provides dependency initialization for the connector.
package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"

	"github.com/maauso/gcs-connector/internal/config"
	"github.com/maauso/gcs-connector/internal/storage"
	"github.com/maauso/gcs-connector/internal/upload"
)

// ErrUnknownBackend is returned for a STORAGE_BACKEND with no adapter.
var ErrUnknownBackend = errors.New("bootstrap: unknown storage backend")

const userAgent = "gcs-connector"

// Dependencies holds all initialized dependencies for the connector.
type Dependencies struct {
	Orchestrator *upload.Orchestrator
	Storage      storage.Storage
	Registry     *prometheus.Registry
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	dests, err := cfg.Destinations()
	if err != nil {
		return nil, err
	}

	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Metrics registry with process and runtime collectors
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := upload.NewOrchestrator(upload.Config{
		Destinations:   dests,
		WorkDir:        cfg.WorkDir,
		ImageDir:       cfg.ImageDirectory,
		ImageInterval:  cfg.ImageInterval,
		StabilityDelay: cfg.StabilityDelay,
		LockStaleAfter: cfg.LockStaleAfter,
		Retry: upload.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			BaseBackoff:    cfg.BaseBackoff,
			AttemptTimeout: cfg.Timeout(),
		},
		DrainTimeout:     cfg.DrainTimeout,
		ManifestTemplate: cfg.Manifest,
		ManifestField:    cfg.ManifestField,
		ManifestName:     cfg.ManifestName,
		ManifestInterval: cfg.ManifestInterval,
	}, store,
		upload.WithLogger(logger),
		upload.WithMetrics(upload.NewMetrics(reg)),
	)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &Dependencies{
		Orchestrator: orch,
		Storage:      store,
		Registry:     reg,
	}, nil
}

// Close releases the storage client, if it holds one.
func (d *Dependencies) Close() error {
	if c, ok := d.Storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.BackendGCS, "":
		// Credentials are resolved on first use so that a missing key file
		// surfaces as an upload error rather than a startup failure.
		gcsStore := storage.NewGCSStorage(option.WithUserAgent(userAgent))
		logger.Info("GCS storage configured",
			slog.Bool("explicit_credentials", cfg.Credentials != ""),
		)
		return gcsStore, nil

	case config.BackendS3:
		s3Store, err := storage.NewS3Storage(storage.S3Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.HMACAccessKeyID,
			SecretAccessKey: cfg.HMACSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3-compatible storage configured",
			slog.String("endpoint", cfg.S3Endpoint),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil

	case config.BackendLocal:
		localStore, err := storage.NewLocalStorage(cfg.LocalStorageRoot)
		if err != nil {
			return nil, fmt.Errorf("create local storage: %w", err)
		}
		logger.Info("local storage configured",
			slog.String("root", localStore.Root()),
		)
		return localStore, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StorageBackend)
	}
}
