// Package config holds run settings and the providers that load them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ryabkov82/crm-bulk-upsert/internal/runerr"
)

// Defaults
const (
	DefaultObject           = "Account"
	DefaultExternalIDField  = "Id"
	DefaultMaxBytesPerBatch = 10_000_000
	DefaultMaxRowsPerBatch  = 10_000
	DefaultPollInterval     = 10 * time.Second
	DefaultAllowableMarker  = "[Allowable Error]"
	DefaultHTTPTimeout      = 120 * time.Second
	DefaultMaxRetries       = 3
	DefaultBackoffMs        = 500
	DefaultBackoffMaxMs     = 10_000
	DefaultNotifyTimeout    = 30 * time.Second
	DefaultPropertiesPath   = "conf/userInfo.properties"
)

// Settings identifies the user, the remote service and the source file.
// All five required fields must be non-blank.
type Settings struct {
	UserID       string `mapstructure:"userId"`
	Credential   string `mapstructure:"password"`
	APIVersion   string `mapstructure:"apiVersion"`
	Endpoint     string `mapstructure:"authEndpoint"`
	FilePath     string `mapstructure:"filePath"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
}

// TokenRewrite replaces one exact header token
type TokenRewrite struct {
	Token       string `yaml:"token"`
	Replacement string `yaml:"replacement"`
}

// Options tunes a run. Zero values are replaced by defaults in ApplyDefaults.
type Options struct {
	Object          string         `yaml:"object"`
	ExternalIDField string         `yaml:"externalIdField"`
	HeaderRewrite   []TokenRewrite `yaml:"headerRewrite"`
	AllowList       []string       `yaml:"allowList"`

	MaxBytesPerBatch int           `yaml:"maxBytesPerBatch"`
	MaxRowsPerBatch  int           `yaml:"maxRowsPerBatch"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	MaxPolls         int           `yaml:"maxPolls"` // 0 = unbounded
	MaxWait          time.Duration `yaml:"maxWait"`  // 0 = unbounded

	SourceEncoding string `yaml:"sourceEncoding"` // utf-8, shift_jis, euc-jp, windows-1251, windows-1252
	AllowedBaseDir string `yaml:"allowedBaseDir"`
	StagingDir     string `yaml:"stagingDir"`

	Gzip         *bool         `yaml:"gzip"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	MaxRetries   int           `yaml:"maxRetries"` // < 0 disables retries
	BackoffMs    int           `yaml:"backoffMs"`
	BackoffMaxMs int           `yaml:"backoffMaxMs"`

	NotifyTask     *bool         `yaml:"notifyTask"`
	NotifyTopicARN string        `yaml:"notifyTopicArn"`
	NotifyTimeout  time.Duration `yaml:"notifyTimeout"`

	MaxLoggedFailures int    `yaml:"maxLoggedFailures"`
	MetricsTextfile   string `yaml:"metricsTextfile"`
	StatusAddr        string `yaml:"statusAddr"`
	LogLevel          string `yaml:"logLevel"`
	LogEnv            string `yaml:"logEnv"`
}

// Config is everything a run needs
type Config struct {
	Settings Settings
	Options  Options
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	o := Options{}
	o.ApplyDefaults()
	return o
}

// ApplyDefaults fills zero-valued options
func (o *Options) ApplyDefaults() {
	if o.Object == "" {
		o.Object = DefaultObject
	}
	if o.ExternalIDField == "" {
		o.ExternalIDField = DefaultExternalIDField
	}
	if o.HeaderRewrite == nil {
		o.HeaderRewrite = []TokenRewrite{{Token: "ACCOUNT_NO", Replacement: "ACCOUNTNUMBER"}}
	}
	if o.AllowList == nil {
		o.AllowList = []string{DefaultAllowableMarker}
	}
	if o.MaxBytesPerBatch <= 0 {
		o.MaxBytesPerBatch = DefaultMaxBytesPerBatch
	}
	if o.MaxRowsPerBatch <= 0 {
		o.MaxRowsPerBatch = DefaultMaxRowsPerBatch
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SourceEncoding == "" {
		o.SourceEncoding = "utf-8"
	}
	if o.Gzip == nil {
		o.Gzip = boolPtr(true)
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	// negative disables retries
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffMs <= 0 {
		o.BackoffMs = DefaultBackoffMs
	}
	if o.BackoffMaxMs <= 0 {
		o.BackoffMaxMs = DefaultBackoffMaxMs
	}
	if o.NotifyTask == nil {
		o.NotifyTask = boolPtr(true)
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = DefaultNotifyTimeout
	}
	if o.MaxLoggedFailures <= 0 {
		o.MaxLoggedFailures = 20
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
}

// GzipEnabled reports whether batch uploads are gzip-encoded
func (o Options) GzipEnabled() bool {
	return o.Gzip == nil || *o.Gzip
}

// TaskEnabled reports whether a completion task record is created
func (o Options) TaskEnabled() bool {
	return o.NotifyTask == nil || *o.NotifyTask
}

// HeaderPairs returns the header rewrite as ordered token/replacement pairs
func (o Options) HeaderPairs() [][2]string {
	pairs := make([][2]string, 0, len(o.HeaderRewrite))
	for _, r := range o.HeaderRewrite {
		pairs = append(pairs, [2]string{r.Token, r.Replacement})
	}
	return pairs
}

// Validate checks required settings and option sanity.
// All problems are reported together as a ConfigInvalid error.
func (c *Config) Validate() error {
	var result *multierror.Error

	required := []struct {
		name, value string
	}{
		{"userId", c.Settings.UserID},
		{"password", c.Settings.Credential},
		{"apiVersion", c.Settings.APIVersion},
		{"authEndpoint", c.Settings.Endpoint},
		{"filePath", c.Settings.FilePath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", r.name))
		}
	}

	o := c.Options
	if o.MaxBytesPerBatch <= 0 {
		result = multierror.Append(result, errors.New("maxBytesPerBatch must be > 0"))
	}
	if o.MaxRowsPerBatch <= 0 {
		result = multierror.Append(result, errors.New("maxRowsPerBatch must be > 0"))
	}
	if o.PollInterval <= 0 {
		result = multierror.Append(result, errors.New("pollInterval must be > 0"))
	}
	if o.MaxPolls < 0 {
		result = multierror.Append(result, errors.New("maxPolls must be >= 0"))
	}
	if o.MaxWait < 0 {
		result = multierror.Append(result, errors.New("maxWait must be >= 0"))
	}
	for i, entry := range o.AllowList {
		if entry == "" {
			result = multierror.Append(result, fmt.Errorf("allowList[%d] is empty", i))
		}
	}
	for i, r := range o.HeaderRewrite {
		if r.Token == "" {
			result = multierror.Append(result, fmt.Errorf("headerRewrite[%d].token is empty", i))
		}
	}
	if !IsSupportedEncoding(o.SourceEncoding) {
		result = multierror.Append(result, fmt.Errorf("unsupported sourceEncoding %q", o.SourceEncoding))
	}

	if err := result.ErrorOrNil(); err != nil {
		return runerr.New(runerr.ConfigInvalid, "validate config", err)
	}
	return nil
}

// IsSupportedEncoding reports whether the source encoding name is known
func IsSupportedEncoding(name string) bool {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8", "shift_jis", "sjis", "euc-jp", "windows-1251", "windows-1252":
		return true
	}
	return false
}

func boolPtr(b bool) *bool { return &b }
