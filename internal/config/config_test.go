package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		base.IMAP_HOST_ENV_VAR,
		base.IMAP_PORT_ENV_VAR,
		base.IMAP_USER_ENV_VAR,
		base.IMAP_PASS_ENV_VAR,
		base.S3_KEY_ENV_VAR,
		base.S3_SECRET_ENV_VAR,
		base.OTLP_DSN_ENV_VAR,
		envS3Endpoint,
		envS3Region,
		envS3Bucket,
		envWebhookURL,
	} {
		t.Setenv(name, "")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeTempFile(t, "not: [valid_yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.IMAP.IsSecure())
	assert.Equal(t, executor.InfiniteTimeout, cfg.IMAP.Timeout())
	assert.True(t, cfg.Archive.IsEmpty())
}

func TestValidateMissingSecrets(t *testing.T) {
	clearEnv(t)
	path := writeTempFile(t, `
imap:
  host: imap.example.com
  folder: Tasks
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), base.IMAP_USER_ENV_VAR)
	assert.Contains(t, err.Error(), base.IMAP_PASS_ENV_VAR)
	assert.NotContains(t, err.Error(), base.IMAP_HOST_ENV_VAR)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "missing folder", yaml: "imap: {host: h}", wantErr: "imap.folder"},
		{name: "negative batch", yaml: "imap: {host: h, folder: f}\nbatch: {size: -1}", wantErr: "batch.size"},
		{name: "timeout below infinite", yaml: "imap: {host: h, folder: f, timeout_ms: -2}", wantErr: "imap.timeout_ms"},
		{name: "port out of range", yaml: "imap: {host: h, folder: f, port: 70000}", wantErr: "imap.port"},
		{name: "match with delete", yaml: "imap: {host: h, folder: f}\nbatch: {delete_after_processing: true}\nmatch: {subject_regex: [x]}", wantErr: "match cannot be combined"},
		{name: "valid", yaml: "imap: {host: h, folder: f, timeout_ms: -1}\nbatch: {size: 10}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(base.IMAP_USER_ENV_VAR, "user")
			t.Setenv(base.IMAP_PASS_ENV_VAR, "pass")

			cfg, err := Load(writeTempFile(t, tt.yaml))
			require.NoError(t, err)

			err = Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvOverridesProfile(t *testing.T) {
	clearEnv(t)
	t.Setenv(base.IMAP_HOST_ENV_VAR, "imap.override.com")
	t.Setenv(base.IMAP_PORT_ENV_VAR, "1143")
	t.Setenv(base.IMAP_USER_ENV_VAR, "user@example.com")
	t.Setenv(base.IMAP_PASS_ENV_VAR, "password")
	t.Setenv(envS3Bucket, "mail-archive")
	t.Setenv(base.S3_KEY_ENV_VAR, "key")
	t.Setenv(base.S3_SECRET_ENV_VAR, "secret")

	path := writeTempFile(t, `
imap:
  host: imap.example.com
  port: 993
  folder: Tasks
  secure: false
  timeout_ms: 5000
batch:
  size: 25
  retrieve_seen: true
  delete_after_processing: true
archive:
  region: nyc3
  prefix: backups
telemetry:
  enabled: true
announce:
  webhook_url: https://hooks.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.NoError(t, ValidateArchive(cfg))

	assert.Equal(t, "imap.override.com", cfg.IMAP.Host)
	assert.Equal(t, 1143, cfg.IMAP.Port)
	assert.False(t, cfg.IMAP.IsSecure())
	assert.Equal(t, 5000, cfg.IMAP.Timeout())
	assert.Equal(t, "mail-archive", cfg.Archive.Bucket)
	assert.Equal(t, "key", cfg.Archive.S3Config().Key)

	summary := Summary(cfg)
	assert.True(t, strings.HasPrefix(summary, "Config summary"))
	assert.Contains(t, summary, "imap.override.com:1143")
	assert.Contains(t, summary, "batch size: 25")
	assert.Contains(t, summary, "telemetry: enabled")
	assert.Contains(t, summary, "matchers: false")
	assert.Contains(t, summary, "reporting webhook: enabled")
	assert.NotContains(t, summary, "password")

	e, err := executor.NewExecutor(append(ExecutorOptions(cfg), executor.WithLogger(mock.SetupLogger(t)))...)
	require.NoError(t, err)
	execCfg := e.Config()
	assert.Equal(t, 25, execCfg.BatchSize)
	assert.Equal(t, 5000, execCfg.ConnectionTimeout)
	assert.True(t, execCfg.RetrieveSeen)
	assert.True(t, execCfg.DeleteAfterProcessing)
	assert.False(t, execCfg.Secure)
}

func TestMatchAndWebhookEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWebhookURL, "https://hooks.example.com")

	cfg, err := Load(writeTempFile(t, `
match:
  subject_regex:
    - "(?i)invoice"
  list_id_regex:
    - "weekly"
`))
	require.NoError(t, err)

	assert.False(t, cfg.Match.IsEmpty())
	assert.Equal(t, []string{"(?i)invoice"}, cfg.Match.SubjectRegex)
	assert.Equal(t, []string{"weekly"}, cfg.Match.ListIDRegex)
	assert.True(t, cfg.Announce.ReportingEnabled())
	assert.Equal(t, "https://hooks.example.com", cfg.Announce.WebhookURL)
}

func TestInvalidPortEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(base.IMAP_PORT_ENV_VAR, "imap")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid "+base.IMAP_PORT_ENV_VAR)
}

func TestValidateArchive(t *testing.T) {
	assert.ErrorContains(t, ValidateArchive(Config{}), "archive.bucket")
	assert.ErrorContains(t, ValidateArchive(Config{Archive: Archive{Bucket: "b"}}), "archive.region")
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides a variable that is already set.
	require.NoError(t, os.Unsetenv(base.IMAP_USER_ENV_VAR))
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(base.IMAP_USER_ENV_VAR+"=from-dotenv\n"), 0o600))
	require.NoError(t, LoadEnvFile(path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.IMAP.User)
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}
