package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ryabkov82/crm-bulk-upsert/internal/logger"
	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// Provider loads a validated Config
type Provider interface {
	Load(ctx context.Context) (*Config, error)
}

// SecretRef prefix for credentials stored in AWS Secrets Manager
const SecretRef = "aws-secretsmanager:"

// SecretResolver resolves a secret reference (without prefix) to its value
type SecretResolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// FileProvider loads settings from a properties file, options from an optional
// YAML file, and applies BULK_* environment overrides on top.
type FileProvider struct {
	PropertiesPath string
	OptionsPath    string
	EnvFile        string
	Secrets        SecretResolver

	// Getenv defaults to os.Getenv
	Getenv func(string) string
}

// NewFileProvider creates a provider with the default properties path
func NewFileProvider() *FileProvider {
	return &FileProvider{PropertiesPath: DefaultPropertiesPath}
}

// Load implements Provider
func (p *FileProvider) Load(ctx context.Context) (*Config, error) {
	if p.EnvFile != "" {
		if err := godotenv.Load(p.EnvFile); err != nil {
			logger.Warn(ctx, ".env file could not be loaded", zap.String("path", p.EnvFile), zap.Error(err))
		}
	} else if err := godotenv.Load(); err != nil {
		logger.Debug(ctx, ".env file not found", zap.Error(err))
	}

	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{}

	if p.PropertiesPath != "" {
		settings, err := readProperties(p.PropertiesPath)
		if err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "read properties", err)
		}
		cfg.Settings = settings
	}

	if p.OptionsPath != "" {
		data, err := os.ReadFile(p.OptionsPath)
		if err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "read options", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Options); err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "parse options", err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, runerr.New(runerr.ConfigInvalid, "environment overrides", err)
	}

	cfg.Options.ApplyDefaults()

	if strings.HasPrefix(cfg.Settings.Credential, SecretRef) {
		if p.Secrets == nil {
			return nil, runerr.Errorf(runerr.ConfigInvalid, "resolve credential", "credential references %s but no secret resolver is configured", SecretRef)
		}
		value, err := p.Secrets.Resolve(ctx, strings.TrimPrefix(cfg.Settings.Credential, SecretRef))
		if err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "resolve credential", err)
		}
		cfg.Settings.Credential = value
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readProperties parses a key=value properties file into Settings
func readProperties(path string) (Settings, error) {
	var s Settings

	values, err := godotenv.Read(path)
	if err != nil {
		return s, fmt.Errorf("failed to read %s: %w", path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return s, err
	}
	if err := decoder.Decode(values); err != nil {
		return s, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return s, nil
}

// applyEnv overrides config fields from BULK_* variables
func applyEnv(cfg *Config, getenv func(string) string) error {
	strVars := map[string]*string{
		"BULK_USER_ID":           &cfg.Settings.UserID,
		"BULK_CREDENTIAL":        &cfg.Settings.Credential,
		"BULK_API_VERSION":       &cfg.Settings.APIVersion,
		"BULK_ENDPOINT":          &cfg.Settings.Endpoint,
		"BULK_FILE_PATH":         &cfg.Settings.FilePath,
		"BULK_CLIENT_ID":         &cfg.Settings.ClientID,
		"BULK_CLIENT_SECRET":     &cfg.Settings.ClientSecret,
		"BULK_OBJECT":            &cfg.Options.Object,
		"BULK_EXTERNAL_ID_FIELD": &cfg.Options.ExternalIDField,
		"BULK_SOURCE_ENCODING":   &cfg.Options.SourceEncoding,
		"BULK_ALLOWED_BASE_DIR":  &cfg.Options.AllowedBaseDir,
		"BULK_STAGING_DIR":       &cfg.Options.StagingDir,
		"BULK_NOTIFY_TOPIC_ARN":  &cfg.Options.NotifyTopicARN,
		"BULK_METRICS_TEXTFILE":  &cfg.Options.MetricsTextfile,
		"BULK_STATUS_ADDR":       &cfg.Options.StatusAddr,
		"BULK_LOG_LEVEL":         &cfg.Options.LogLevel,
		"BULK_LOG_ENV":           &cfg.Options.LogEnv,
	}
	for key, dst := range strVars {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"BULK_MAX_ROWS_PER_BATCH":  &cfg.Options.MaxRowsPerBatch,
		"BULK_MAX_BYTES_PER_BATCH": &cfg.Options.MaxBytesPerBatch,
		"BULK_MAX_POLLS":           &cfg.Options.MaxPolls,
		"BULK_MAX_RETRIES":         &cfg.Options.MaxRetries,
	}
	var result *multierror.Error
	for key, dst := range intVars {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}

	durVars := map[string]*time.Duration{
		"BULK_POLL_INTERVAL": &cfg.Options.PollInterval,
		"BULK_MAX_WAIT":      &cfg.Options.MaxWait,
	}
	for key, dst := range durVars {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}

	if v := getenv("BULK_ALLOW_LIST"); v != "" {
		cfg.Options.AllowList = strings.Split(v, "|")
	}
	if v := getenv("BULK_GZIP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("BULK_GZIP: %w", err))
		} else {
			cfg.Options.Gzip = &b
		}
	}

	if v := getenv("BULK_NOTIFY_TASK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("BULK_NOTIFY_TASK: %w", err))
		} else {
			cfg.Options.NotifyTask = &b
		}
	}

	return result.ErrorOrNil()
}

// StaticProvider returns a fixed config. Used by tests and embedding callers.
type StaticProvider struct {
	Config Config
}

// Load implements Provider
func (p StaticProvider) Load(ctx context.Context) (*Config, error) {
	cfg := p.Config
	cfg.Options.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
