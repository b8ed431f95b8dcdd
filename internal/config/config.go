package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/handlers"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ConfigEnvVar   = "TABELLARIUM_CONFIG"
	DefaultEnvFile = ".env"

	envS3Endpoint = "TABELLARIUM_S3_ENDPOINT"
	envS3Region   = "TABELLARIUM_S3_REGION"
	envS3Bucket   = "TABELLARIUM_S3_BUCKET"
	envWebhookURL = "TABELLARIUM_WEBHOOK_URL"
)

// Config holds the profile loaded from YAML. Credentials never come from the
// file; they are filled in from the environment.
type Config struct {
	IMAP      IMAP           `yaml:"imap"`
	Batch     Batch          `yaml:"batch"`
	Archive   Archive        `yaml:"archive"`
	Telemetry Telemetry      `yaml:"telemetry"`
	Server    Server         `yaml:"server"`
	Match     ClientMatchers `yaml:"match"`
	Announce  Announce       `yaml:"announce"`
}

type IMAP struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Folder    string `yaml:"folder"`
	Secure    *bool  `yaml:"secure"`
	TimeoutMs *int   `yaml:"timeout_ms"`

	User string `yaml:"-"`
	Pass string `yaml:"-"`
}

// IsSecure defaults to implicit TLS.
func (i IMAP) IsSecure() bool {
	return i.Secure == nil || *i.Secure
}

func (i IMAP) Timeout() int {
	if i.TimeoutMs == nil {
		return executor.InfiniteTimeout
	}
	return *i.TimeoutMs
}

type Batch struct {
	Size                  int  `yaml:"size"`
	RetrieveSeen          bool `yaml:"retrieve_seen"`
	DeleteAfterProcessing bool `yaml:"delete_after_processing"`
}

type Archive struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`

	Key    string `yaml:"-"`
	Secret string `yaml:"-"`
}

func (a Archive) IsEmpty() bool {
	return strings.TrimSpace(a.Bucket) == ""
}

func (a Archive) S3Config() handlers.S3Config {
	return handlers.S3Config{
		Endpoint: a.Endpoint,
		Region:   a.Region,
		Key:      a.Key,
		Secret:   a.Secret,
	}
}

type Telemetry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"-"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// ClientMatchers restrict handlers to messages whose headers match. Each
// configured group must match at least one pattern.
type ClientMatchers struct {
	SubjectRegex    []string `yaml:"subject_regex"`
	SenderRegex     []string `yaml:"sender_regex"`
	RecipientsRegex []string `yaml:"recipients_regex"`
	ListIDRegex     []string `yaml:"list_id_regex"`
}

func (m *ClientMatchers) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.SubjectRegex) == 0 &&
		len(m.SenderRegex) == 0 &&
		len(m.RecipientsRegex) == 0 &&
		len(m.ListIDRegex) == 0
}

type Announce struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ReportingEnabled returns true when a webhook URL is configured.
func (a Announce) ReportingEnabled() bool {
	return strings.TrimSpace(a.WebhookURL) != ""
}

// Load reads the YAML profile at path, when given, and applies environment
// overrides on top of it.
func Load(path string) (Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func applyEnv(cfg *Config) error {
	if host := env(base.IMAP_HOST_ENV_VAR); host != "" {
		cfg.IMAP.Host = host
	}
	if portRaw := env(base.IMAP_PORT_ENV_VAR); portRaw != "" {
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", base.IMAP_PORT_ENV_VAR, err)
		}
		cfg.IMAP.Port = port
	}
	cfg.IMAP.User = env(base.IMAP_USER_ENV_VAR)
	cfg.IMAP.Pass = env(base.IMAP_PASS_ENV_VAR)

	if endpoint := env(envS3Endpoint); endpoint != "" {
		cfg.Archive.Endpoint = endpoint
	}
	if region := env(envS3Region); region != "" {
		cfg.Archive.Region = region
	}
	if bucket := env(envS3Bucket); bucket != "" {
		cfg.Archive.Bucket = bucket
	}
	cfg.Archive.Key = env(base.S3_KEY_ENV_VAR)
	cfg.Archive.Secret = env(base.S3_SECRET_ENV_VAR)

	if webhook := env(envWebhookURL); webhook != "" {
		cfg.Announce.WebhookURL = webhook
	}

	cfg.Telemetry.DSN = env(base.OTLP_DSN_ENV_VAR)
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// Validate checks what every command needs before it opens a connection.
func Validate(cfg Config) error {
	missing := []string{}
	if cfg.IMAP.Host == "" {
		missing = append(missing, base.IMAP_HOST_ENV_VAR+" or imap.host")
	}
	if cfg.IMAP.User == "" {
		missing = append(missing, base.IMAP_USER_ENV_VAR)
	}
	if cfg.IMAP.Pass == "" {
		missing = append(missing, base.IMAP_PASS_ENV_VAR)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if strings.TrimSpace(cfg.IMAP.Folder) == "" {
		return errors.New("config must define imap.folder")
	}
	if cfg.IMAP.Port < 0 || cfg.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range", cfg.IMAP.Port)
	}
	if cfg.IMAP.Timeout() < executor.InfiniteTimeout {
		return fmt.Errorf("imap.timeout_ms must be >= %d", executor.InfiniteTimeout)
	}
	if cfg.Batch.Size < 0 {
		return errors.New("batch.size must not be negative")
	}
	// Messages a matcher skips still count as handled and would be deleted.
	if !cfg.Match.IsEmpty() && cfg.Batch.DeleteAfterProcessing {
		return errors.New("match cannot be combined with batch.delete_after_processing")
	}
	return nil
}

// ValidateArchive checks the settings the archive command needs on top of
// Validate.
func ValidateArchive(cfg Config) error {
	if cfg.Archive.IsEmpty() {
		return fmt.Errorf("archive requires archive.bucket or %s", envS3Bucket)
	}
	if strings.TrimSpace(cfg.Archive.Region) == "" {
		return fmt.Errorf("archive requires archive.region or %s", envS3Region)
	}
	return nil
}

// Summary returns a concise config summary without secrets.
func Summary(cfg Config) string {
	reportingStatus := "disabled"
	if cfg.Announce.ReportingEnabled() {
		reportingStatus = "enabled"
	}
	telemetryStatus := "disabled"
	if cfg.Telemetry.Enabled {
		telemetryStatus = "enabled"
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- imap: %s:%s (secure: %t)\n"+
			"- folder: %s\n"+
			"- batch size: %d (retrieve seen: %t, delete after processing: %t)\n"+
			"- archive bucket: %s\n"+
			"- matchers: %t\n"+
			"- reporting webhook: %s\n"+
			"- telemetry: %s",
		cfg.IMAP.Host,
		defaultIfEmpty(portString(cfg.IMAP.Port), "(default)"),
		cfg.IMAP.IsSecure(),
		cfg.IMAP.Folder,
		cfg.Batch.Size,
		cfg.Batch.RetrieveSeen,
		cfg.Batch.DeleteAfterProcessing,
		defaultIfEmpty(cfg.Archive.Bucket, "(not set)"),
		!cfg.Match.IsEmpty(),
		reportingStatus,
		telemetryStatus,
	)
}

// ExecutorOptions maps the profile onto executor options.
func ExecutorOptions(cfg Config) []executor.Option {
	return []executor.Option{
		executor.WithHost(cfg.IMAP.Host),
		executor.WithPort(cfg.IMAP.Port),
		executor.WithAuth(cfg.IMAP.User, cfg.IMAP.Pass),
		executor.WithFolder(cfg.IMAP.Folder),
		executor.WithSecureTransport(cfg.IMAP.IsSecure()),
		executor.WithConnectionTimeout(cfg.IMAP.Timeout()),
		executor.WithBatchSize(cfg.Batch.Size),
		executor.WithRetrieveSeen(cfg.Batch.RetrieveSeen),
		executor.WithDeleteAfterProcessing(cfg.Batch.DeleteAfterProcessing),
	}
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
