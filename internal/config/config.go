// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/gcs-connector/internal/output"
)

// Storage backends.
const (
	BackendGCS   = "gcs"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Static errors for configuration validation.
var (
	// ErrOutputsRequired is returned when OUTPUTS is not set.
	ErrOutputsRequired = errors.New("config: OUTPUTS is required")
	// ErrInvalid is returned when a variable fails validation.
	ErrInvalid = errors.New("config: invalid value")
)

// Config holds all configuration for the connector.
type Config struct {
	// Destinations
	Outputs []string `env:"OUTPUTS, required" json:"outputs" validate:"min=1,dive,required"`
	WorkDir string   `env:"WORKDIR, default=work" json:"workdir" validate:"required"`

	// Upload settings
	TimeoutSeconds    float64       `env:"TIMEOUT, default=60" json:"timeout" validate:"gt=0"`
	MaxAttempts       int           `env:"UPLOAD_MAX_ATTEMPTS, default=3" json:"upload_max_attempts" validate:"gte=1,lte=20"`
	BaseBackoff       time.Duration `env:"UPLOAD_BASE_BACKOFF, default=1s" json:"upload_base_backoff" validate:"gte=0"`
	StabilityDelay    time.Duration `env:"STABILITY_DELAY, default=1s" json:"stability_delay" validate:"gt=0"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT, default=2m" json:"drain_timeout" validate:"gt=0"`
	ImageDirectory    string        `env:"IMAGE_DIRECTORY" json:"image_directory,omitempty"`
	ImageInterval     time.Duration `env:"IMAGE_INTERVAL, default=5s" json:"image_interval" validate:"gt=0"`
	LockStaleAfter    time.Duration `env:"LOCK_STALE_AFTER, default=10m" json:"lock_stale_after" validate:"gt=0"`
	Manifest          string        `env:"MANIFEST" json:"manifest,omitempty"`
	ManifestField     string        `env:"MANIFEST_FIELD, default=files" json:"manifest_field" validate:"required"`
	ManifestName      string        `env:"MANIFEST_NAME, default=manifest.json" json:"manifest_name" validate:"required,excludes=/"`
	ManifestInterval  time.Duration `env:"MANIFEST_INTERVAL, default=0s" json:"manifest_interval" validate:"gte=0"`

	// Storage settings
	StorageBackend   string `env:"STORAGE_BACKEND, default=gcs" json:"storage_backend" validate:"oneof=gcs s3 local"`
	S3Endpoint       string `env:"S3_ENDPOINT, default=https://storage.googleapis.com" json:"s3_endpoint" validate:"required_if=StorageBackend s3,omitempty,url"`
	S3Region         string `env:"S3_REGION, default=auto" json:"s3_region"`
	HMACAccessKeyID  string `env:"HMAC_ACCESS_KEY_ID" json:"-" validate:"required_if=StorageBackend s3"`
	HMACSecret       string `env:"HMAC_SECRET" json:"-" validate:"required_if=StorageBackend s3"`
	LocalStorageRoot string `env:"LOCAL_STORAGE_ROOT, default=bucket" json:"local_storage_root" validate:"required_if=StorageBackend local"`
	Credentials      string `env:"GOOGLE_APPLICATION_CREDENTIALS" json:"credentials,omitempty"`

	// Status server
	StatusAddr string `env:"STATUS_ADDR" json:"status_addr,omitempty" validate:"omitempty,hostname_port"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=json text JSON TEXT"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`                                     // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	return LoadWith(envconfig.OsLookuper())
}

// LoadWith reads configuration through l.
func LoadWith(l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		// OUTPUTS is the only required variable.
		if errors.Is(err, envconfig.ErrMissingRequired) {
			return nil, fmt.Errorf("%w: %w", ErrOutputsRequired, err)
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their environment variable name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every value and parses the destinations.
func (c *Config) Validate() error {
	if len(c.Outputs) == 0 {
		return ErrOutputsRequired
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if _, err := c.Destinations(); err != nil {
		return err
	}
	return nil
}

// Destinations parses OUTPUTS.
func (c *Config) Destinations() ([]output.Destination, error) {
	return output.ParseAll(c.Outputs)
}

// Timeout returns the per-upload timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Outputs: %v, WorkDir: %s, Timeout: %v, ImageDirectory: %s, Manifest: %s, ManifestField: %s, StorageBackend: %s, S3Endpoint: %s, HMACAccessKeyID: %s, StatusAddr: %s, LogFormat: %s, LogLevel: %s}",
		c.Outputs,
		c.WorkDir,
		c.Timeout(),
		c.ImageDirectory,
		c.Manifest,
		c.ManifestField,
		c.StorageBackend,
		c.S3Endpoint,
		mask(c.HMACAccessKeyID),
		c.StatusAddr,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
