package gcsout

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/gcstypes"
	"github.com/embulk/embulk-output-gcs/internal/validation"
)

// Config is the full configuration surface of the output plugin.
type Config struct {
	// Bucket is the target GCS bucket
	Bucket string `koanf:"bucket"`

	// PathPrefix is prepended to every generated object name
	PathPrefix string `koanf:"path_prefix"`

	// FileExt is appended to every generated object name
	FileExt string `koanf:"file_ext"`

	// SequenceFormat generates the unique name segment from the task
	// index and file index
	SequenceFormat string `koanf:"sequence_format"`

	// ContentType is the MIME type for uploaded objects; empty means
	// detect from the staged content
	ContentType string `koanf:"content_type"`

	// AuthMethod selects the authentication variant
	AuthMethod gcstypes.AuthMethod `koanf:"auth_method"`

	// ServiceAccountEmail identifies the service account for the
	// private_key method
	ServiceAccountEmail string `koanf:"service_account_email"`

	// P12KeyfilePath is the legacy form of P12Keyfile, kept for
	// backward compatibility; setting both is rejected
	P12KeyfilePath string `koanf:"p12_keyfile_path"`

	// P12Keyfile locates the PKCS#12 key container for the
	// private_key method
	P12Keyfile string `koanf:"p12_keyfile"`

	// JSONKeyfile locates the service account JSON key document for
	// the json_key method
	JSONKeyfile string `koanf:"json_keyfile"`

	// JSONKeyContent carries the JSON key document inline, as an
	// alternative to JSONKeyfile; setting both is rejected
	JSONKeyContent string `koanf:"json_key_content"`

	// ApplicationName is sent as the user agent on every request
	ApplicationName string `koanf:"application_name"`

	// MaxConnectionRetry bounds retries of transient failures for both
	// client construction and uploads
	MaxConnectionRetry int `koanf:"max_connection_retry"`

	// InitialRetryIntervalMillis is the wait before the first retry
	InitialRetryIntervalMillis int `koanf:"initial_retry_interval_millis"`

	// MaximumRetryIntervalMillis caps the growing wait between retries
	MaximumRetryIntervalMillis int `koanf:"maximum_retry_interval_millis"`

	// StorePass decrypts the PKCS#12 container
	StorePass string `koanf:"store_pass"`

	// KeyPass is accepted for backward compatibility with older
	// keystore configurations; the PKCS#12 container uses StorePass
	KeyPass string `koanf:"key_pass"`

	// DeleteInAdvance removes objects under PathPrefix before the run
	DeleteInAdvance bool `koanf:"delete_in_advance"`

	// FlushThresholdBytes rotates the staging file into an intermediate
	// chunk object once it grows past this size; zero disables chunking
	FlushThresholdBytes int64 `koanf:"flush_threshold_bytes"`

	// MaxUploadWorkers sizes the job-wide upload worker pool
	MaxUploadWorkers int `koanf:"max_upload_workers"`

	// TempDir holds local staging files; empty means the system
	// temp directory
	TempDir string `koanf:"temp_dir"`
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() Config {
	return Config{
		SequenceFormat:             ".%03d.%02d",
		AuthMethod:                 gcstypes.AuthMethodPrivateKey,
		ApplicationName:            "embulk-output-gcs",
		MaxConnectionRetry:         10,
		InitialRetryIntervalMillis: 500,
		MaximumRetryIntervalMillis: 30000,
		StorePass:                  "notasecret",
		KeyPass:                    "notasecret",
		MaxUploadWorkers:           4,
	}
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, errors.NewError("config", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("loading %s: %v", path, err))
	}
	return configFromKoanf(k)
}

// ParseConfig parses TOML configuration from raw bytes.
func ParseConfig(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), toml.Parser()); err != nil {
		return nil, errors.NewError("config", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("parsing configuration: %v", err))
	}
	return configFromKoanf(k)
}

func configFromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.NewError("config", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("unmarshalling configuration: %v", err))
	}
	return &cfg, nil
}

// Validate checks the configuration for missing, invalid, or conflicting
// fields. It runs before any credential resolution or network activity.
func (c *Config) Validate() error {
	if err := validation.ValidateBucketName(c.Bucket); err != nil {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage(err.Error())
	}
	if c.PathPrefix == "" {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("path_prefix is required")
	}
	if c.FileExt == "" {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("file_ext is required")
	}
	if err := validation.ValidateSequenceFormat(c.SequenceFormat); err != nil {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage(err.Error())
	}
	if c.MaxConnectionRetry < 0 {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("max_connection_retry cannot be negative")
	}
	if c.InitialRetryIntervalMillis <= 0 || c.MaximumRetryIntervalMillis <= 0 {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("retry intervals must be positive")
	}
	if c.InitialRetryIntervalMillis > c.MaximumRetryIntervalMillis {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("initial_retry_interval_millis cannot exceed maximum_retry_interval_millis")
	}
	if c.FlushThresholdBytes < 0 {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("flush_threshold_bytes cannot be negative")
	}

	return c.validateAuth()
}

// validateAuth enforces that exactly one authentication variant's fields
// are supplied, matching the selected method.
func (c *Config) validateAuth() error {
	if c.P12KeyfilePath != "" && c.P12Keyfile != "" {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("setting both p12_keyfile_path and p12_keyfile is invalid")
	}
	if c.JSONKeyfile != "" && c.JSONKeyContent != "" {
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage("setting both json_keyfile and json_key_content is invalid")
	}

	hasP12 := c.P12KeyfilePath != "" || c.P12Keyfile != ""
	hasJSON := c.JSONKeyfile != "" || c.JSONKeyContent != ""

	switch c.AuthMethod {
	case gcstypes.AuthMethodPrivateKey:
		if c.ServiceAccountEmail == "" || !hasP12 {
			return errors.NewError("config", errors.ErrConfiguration).
				WithMessage("auth_method private_key requires both service_account_email and a p12 keyfile")
		}
		if hasJSON {
			return errors.NewError("config", errors.ErrConfiguration).
				WithMessage("auth_method private_key conflicts with json_key fields")
		}
	case gcstypes.AuthMethodJSONKey:
		if !hasJSON {
			return errors.NewError("config", errors.ErrConfiguration).
				WithMessage("auth_method json_key requires json_keyfile or json_key_content")
		}
		if hasP12 {
			return errors.NewError("config", errors.ErrConfiguration).
				WithMessage("auth_method json_key conflicts with p12 keyfile fields")
		}
	case gcstypes.AuthMethodComputeEngine:
		if hasP12 || hasJSON {
			return errors.NewError("config", errors.ErrConfiguration).
				WithMessage("auth_method compute_engine takes no credential material")
		}
	default:
		return errors.NewError("config", errors.ErrConfiguration).
			WithMessage(fmt.Sprintf("unknown auth_method %q", c.AuthMethod))
	}
	return nil
}

// RetryPolicy derives the retry policy shared by client construction
// and uploads.
func (c *Config) RetryPolicy() gcstypes.RetryPolicy {
	return gcstypes.RetryPolicy{
		Limit:       c.MaxConnectionRetry,
		InitialWait: time.Duration(c.InitialRetryIntervalMillis) * time.Millisecond,
		MaxWait:     time.Duration(c.MaximumRetryIntervalMillis) * time.Millisecond,
	}
}

// Task builds the immutable per-partition context for one task index.
func (c *Config) Task(taskIndex int) gcstypes.Task {
	return gcstypes.Task{
		TaskIndex:      taskIndex,
		Bucket:         c.Bucket,
		PathPrefix:     c.PathPrefix,
		FileExt:        c.FileExt,
		SequenceFormat: c.SequenceFormat,
		ContentType:    c.ContentType,
		Retry:          c.RetryPolicy(),
		FlushThreshold: c.FlushThresholdBytes,
		TempDir:        c.TempDir,
	}
}
