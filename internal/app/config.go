package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/spo-archiver/internal/archive"
	"github.com/florianilch/spo-archiver/internal/drive"
	"github.com/florianilch/spo-archiver/internal/retention"
	"github.com/florianilch/spo-archiver/internal/secretstore"
	"github.com/florianilch/spo-archiver/internal/tokensource"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// SecretStorageType represents where the client secret is read from.
type SecretStorageType string

const (
	SecretStorageTypeEnv     SecretStorageType = "env"
	SecretStorageTypeFile    SecretStorageType = "file"
	SecretStorageTypeKeyring SecretStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat          = LogFormatText
	DefaultConfigAuthScope          = tokensource.DefaultScope
	DefaultConfigSecretStorage      = SecretStorageTypeEnv
	DefaultConfigSecretEnvKey       = "SPOBKP_SECRET"
	DefaultConfigChunkSize          = drive.DefaultChunkSize
	DefaultConfigSimpleUploadLimit  = drive.DefaultSimpleUploadLimit
	DefaultConfigArchiveSource      = "./"
	DefaultConfigArchivePrefix      = archive.DefaultPrefix
	DefaultConfigArchiveDescription = "Repository archive."
	DefaultConfigMaxCount           = retention.DefaultMaxCount
	DefaultConfigDeleteConcurrency  = 1
	DefaultConfigHTTPTimeout        = 30 * time.Second
	DefaultConfigMetricsJob         = "spo_archiver"
	DefaultConfigOTLPProtocol       = "http"
)

// AuthConfig describes how the application authenticates and where its
// client secret is kept. The secret itself is never part of the configuration.
type AuthConfig struct {
	Authority string `json:"authority" validate:"required,url"`
	ClientID  string `json:"client_id" validate:"required"`
	Scope     string `json:"scope" validate:"required"`

	SecretStorage SecretStorageType `json:"secret_storage" validate:"required,oneof=env file keyring"`

	// Storage-specific settings (mutually exclusive based on SecretStorage)
	SecretEnvKey string `json:"secret_env_key,omitempty"` // For env storage: environment variable name
	SecretFile   string `json:"secret_file,omitempty"`    // For file storage: path to secret file
	KeyringUser  string `json:"keyring_user,omitempty"`   // For keyring storage: user identifier
}

// NewSecretStore creates the SecretStore the configuration points at.
func (a *AuthConfig) NewSecretStore() (secretstore.SecretStore, error) {
	switch a.SecretStorage {
	case SecretStorageTypeEnv:
		return secretstore.NewEnvStore(a.SecretEnvKey)
	case SecretStorageTypeFile:
		return secretstore.NewFileStore(a.SecretFile)
	case SecretStorageTypeKeyring:
		return secretstore.NewKeyringStore(secretstore.KeyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported secret storage type: %s", a.SecretStorage)
	}
}

// DriveConfig addresses the remote directory.
type DriveConfig struct {
	// Endpoint is the children listing of the target directory, e.g.
	// https://graph.microsoft.com/v1.0/drives/<id>/root:/backups:/children
	// or .../drives/<id>/root/children for the drive root.
	Endpoint          string `json:"endpoint" validate:"required,url"`
	ChunkSize         int64  `json:"chunk_size" validate:"gt=0"`
	SimpleUploadLimit int64  `json:"simple_upload_limit" validate:"gte=0"`
}

// ArchiveConfig controls how the local archive is built and named.
type ArchiveConfig struct {
	Source      string   `json:"source" validate:"required"`
	Prefix      string   `json:"prefix" validate:"required,excludesall=/\\:"`
	Exclude     []string `json:"exclude,omitempty"`
	Description string   `json:"description"`
}

// RetentionConfig holds the retention window.
type RetentionConfig struct {
	MaxCount          int `json:"max_count" validate:"gte=1"`
	DeleteConcurrency int `json:"delete_concurrency" validate:"gte=1"`
}

// HTTPConfig bounds network calls.
type HTTPConfig struct {
	Timeout time.Duration `json:"timeout" validate:"gt=0"`
}

// MetricsConfig enables pushing run metrics to a Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url,omitempty" validate:"omitempty,url"`
	Job            string `json:"job" validate:"required"`
}

// TelemetryConfig enables OTLP log export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" validate:"omitempty,url"`
	OTLPProtocol string `json:"otlp_protocol" validate:"oneof=http grpc"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json otel"`
	// Debug forces the debug log level.
	Debug bool `json:"debug"`

	Auth      AuthConfig      `json:"auth"`
	Drive     DriveConfig     `json:"drive"`
	Archive   ArchiveConfig   `json:"archive"`
	Retention RetentionConfig `json:"retention"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.Debug {
		c.LogLevel = slog.LevelDebug
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Auth.Scope == "" {
		c.Auth.Scope = DefaultConfigAuthScope
	}
	if c.Auth.SecretStorage == "" {
		c.Auth.SecretStorage = DefaultConfigSecretStorage
	}
	if c.Drive.ChunkSize == 0 {
		c.Drive.ChunkSize = DefaultConfigChunkSize
	}
	if c.Drive.SimpleUploadLimit == 0 {
		c.Drive.SimpleUploadLimit = DefaultConfigSimpleUploadLimit
	}
	if c.Archive.Source == "" {
		c.Archive.Source = DefaultConfigArchiveSource
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultConfigArchivePrefix
	}
	if c.Archive.Description == "" {
		c.Archive.Description = DefaultConfigArchiveDescription
	}
	if c.Retention.MaxCount == 0 {
		c.Retention.MaxCount = DefaultConfigMaxCount
	}
	if c.Retention.DeleteConcurrency == 0 {
		c.Retention.DeleteConcurrency = DefaultConfigDeleteConcurrency
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultConfigHTTPTimeout
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultConfigMetricsJob
	}
	if c.Telemetry.OTLPProtocol == "" {
		c.Telemetry.OTLPProtocol = DefaultConfigOTLPProtocol
	}

	// Dynamic defaults based on storage type
	switch c.Auth.SecretStorage {
	case SecretStorageTypeEnv:
		if c.Auth.SecretEnvKey == "" {
			c.Auth.SecretEnvKey = DefaultConfigSecretEnvKey
		}
	case SecretStorageTypeFile:
		if c.Auth.SecretFile == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.secret_file required (auto-detect failed: %w)", err)
			}
			c.Auth.SecretFile = filepath.Join(configDir, "spo-archiver", "secret")
		}
	case SecretStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			c.Auth.KeyringUser = c.Auth.ClientID
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if _, _, err := drive.ParseEndpoint(c.Drive.Endpoint); err != nil {
		return fmt.Errorf("drive.endpoint must be .../root/children or .../root:/<path>:/children: %w", err)
	}
	if c.Drive.ChunkSize%(320<<10) != 0 {
		return fmt.Errorf("drive.chunk_size %d must be a multiple of 320 KiB", c.Drive.ChunkSize)
	}
	for _, pattern := range c.Archive.Exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("archive.exclude pattern %q: %w", pattern, err)
		}
	}

	return c.ValidateSecretStore()
}

// ValidateSecretStore checks only what is needed to open the secret store.
func (c *Config) ValidateSecretStore() error {
	if err := validator.New().Struct(&c.Auth); err != nil {
		var invalid validator.ValidationErrors
		if !errors.As(err, &invalid) {
			return err
		}
		// Authority and client id are not needed to reach the store
		for _, fe := range invalid {
			if fe.Field() == "SecretStorage" {
				return err
			}
		}
	}

	switch c.Auth.SecretStorage {
	case SecretStorageTypeEnv:
		if c.Auth.SecretEnvKey == "" {
			return errors.New("auth.secret_env_key required for env storage")
		}
	case SecretStorageTypeFile:
		if c.Auth.SecretFile == "" {
			return errors.New("auth.secret_file required for file storage")
		}
	case SecretStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("auth.keyring_user required for keyring storage (defaults to auth.client_id)")
		}
	}

	return nil
}
