package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/spo-archiver/internal/app"
	"github.com/florianilch/spo-archiver/internal/secretstore"
)

const testEndpoint = "https://graph.microsoft.com/v1.0/drives/d1/root:/Backups:/children"

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfigFile(t, `
log_level = "warn"

[auth]
authority = "https://login.microsoftonline.com/tenant"
client_id = "file-client"

[drive]
endpoint = "`+testEndpoint+`"

[retention]
max_count = 9

[http]
timeout = "10s"
`)

	cfg, err := loadConfig(path, nil, environ(), (*app.Config).Validate)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.Auth.ClientID != "file-client" {
		t.Errorf("ClientID = %q, want file-client", cfg.Auth.ClientID)
	}
	if cfg.Retention.MaxCount != 9 {
		t.Errorf("MaxCount = %d, want 9", cfg.Retention.MaxCount)
	}
	if cfg.HTTP.Timeout.String() != "10s" {
		t.Errorf("HTTP.Timeout = %v, want 10s", cfg.HTTP.Timeout)
	}
	if cfg.Archive.Prefix != app.DefaultConfigArchivePrefix {
		t.Errorf("Archive.Prefix = %q, want default", cfg.Archive.Prefix)
	}
}

func TestLoadConfig_EnvironmentPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
[auth]
authority = "https://login.microsoftonline.com/file"
client_id = "file-client"

[retention]
max_count = 9
`)

	cfg, err := loadConfig(path, nil, environ(
		"GITHUB_WORKSPACE=/github/workspace",
		"ARCHIVE_PREFIX=nightly",
		"DEBUG=true",
		"SPOBKP_AUTHORITY=https://login.microsoftonline.com/legacy",
		"SPOBKP_CLIENTID=legacy-client",
		"SPOBKP_ENDPOINT="+testEndpoint,
		"SPOBKP_AUTH__CLIENT_ID=nested-client",
		"SPOBKP_RETENTION__MAX_COUNT=6",
		"SPOBKP_SECRET=s3cr3t",
		"UNRELATED=1",
	), (*app.Config).Validate)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Archive.Source != "/github/workspace" {
		t.Errorf("Archive.Source = %q, want GITHUB_WORKSPACE", cfg.Archive.Source)
	}
	if cfg.Archive.Prefix != "nightly" {
		t.Errorf("Archive.Prefix = %q, want ARCHIVE_PREFIX", cfg.Archive.Prefix)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug from DEBUG", cfg.LogLevel)
	}
	if cfg.Auth.Authority != "https://login.microsoftonline.com/legacy" {
		t.Errorf("Authority = %q, want legacy variable over file", cfg.Auth.Authority)
	}
	if cfg.Auth.ClientID != "nested-client" {
		t.Errorf("ClientID = %q, want nested variable over legacy", cfg.Auth.ClientID)
	}
	if cfg.Drive.Endpoint != testEndpoint {
		t.Errorf("Endpoint = %q", cfg.Drive.Endpoint)
	}
	if cfg.Retention.MaxCount != 6 {
		t.Errorf("MaxCount = %d, want 6", cfg.Retention.MaxCount)
	}
}

func TestLoadConfig_ActionDebug(t *testing.T) {
	required := []string{
		"SPOBKP_AUTHORITY=https://login.microsoftonline.com/tenant",
		"SPOBKP_CLIENTID=client",
		"SPOBKP_ENDPOINT=" + testEndpoint,
	}
	tests := []struct {
		name  string
		debug string
		want  slog.Level
	}{
		{name: "true", debug: "DEBUG=true", want: slog.LevelDebug},
		{name: "upper case", debug: "DEBUG=TRUE", want: slog.LevelDebug},
		{name: "yes", debug: "DEBUG=yes", want: slog.LevelInfo},
		{name: "on", debug: "DEBUG=on", want: slog.LevelInfo},
		{name: "namespace list", debug: "DEBUG=express:*", want: slog.LevelInfo},
		{name: "false", debug: "DEBUG=false", want: slog.LevelInfo},
		{name: "empty", debug: "DEBUG=", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig("", nil, environ(append(slices.Clone(required), tt.debug)...), (*app.Config).Validate)
			if err != nil {
				t.Fatalf("loadConfig() error = %v", err)
			}
			if cfg.LogLevel != tt.want {
				t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, tt.want)
			}
		})
	}

	t.Run("prefixed variable stays strict", func(t *testing.T) {
		_, err := loadConfig("", nil, environ(append(slices.Clone(required), "SPOBKP_DEBUG=yes")...), (*app.Config).Validate)
		if code := app.ExitCode(err); code != app.ExitConfig {
			t.Errorf("ExitCode() = %d, want %d", code, app.ExitConfig)
		}
	})
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	vars := environ(
		"SPOBKP_AUTHORITY=https://login.microsoftonline.com/tenant",
		"SPOBKP_CLIENTID=env-client",
		"SPOBKP_ENDPOINT="+testEndpoint,
		"SPOBKP_ARCHIVE__PREFIX=env",
		"SPOBKP_RETENTION__MAX_COUNT=6",
	)

	var (
		cfg     *app.Config
		loadErr error
	)
	cmd := &cli.Command{
		Name:  "test",
		Flags: append(remoteFlags(), &cli.StringFlag{Name: "config"}, &cli.StringFlag{Name: "log-level"}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, loadErr = loadConfig("", cmd, vars, (*app.Config).Validate)
			return nil
		},
	}

	args := []string{"test", "--retention--max-count", "2", "--archive--prefix", "cli", "--log-level", "error"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if loadErr != nil {
		t.Fatalf("loadConfig() error = %v", loadErr)
	}

	if cfg.Retention.MaxCount != 2 {
		t.Errorf("MaxCount = %d, want flag value 2", cfg.Retention.MaxCount)
	}
	if cfg.Archive.Prefix != "cli" {
		t.Errorf("Archive.Prefix = %q, want flag value", cfg.Archive.Prefix)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Errorf("LogLevel = %v, want error", cfg.LogLevel)
	}
	if cfg.Auth.ClientID != "env-client" {
		t.Errorf("ClientID = %q, want unset flag to keep env value", cfg.Auth.ClientID)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		environ []string
	}{
		{name: "missing required", environ: nil},
		{name: "bad endpoint", environ: []string{
			"SPOBKP_AUTHORITY=https://login.microsoftonline.com/tenant",
			"SPOBKP_CLIENTID=client",
			"SPOBKP_ENDPOINT=https://graph.microsoft.com/v1.0/drives/d1/items/x/children",
		}},
		{name: "bad max count", environ: []string{
			"SPOBKP_AUTHORITY=https://login.microsoftonline.com/tenant",
			"SPOBKP_CLIENTID=client",
			"SPOBKP_ENDPOINT=" + testEndpoint,
			"SPOBKP_RETENTION__MAX_COUNT=-3",
		}},
		{name: "missing file", path: filepath.Join(os.TempDir(), "does-not-exist", "config.toml")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.path, nil, environ(tt.environ...), (*app.Config).Validate)
			var configErr *app.ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("loadConfig() error = %v, want *app.ConfigError", err)
			}
			if code := app.ExitCode(err); code != app.ExitConfig {
				t.Errorf("ExitCode() = %d, want %d", code, app.ExitConfig)
			}
		})
	}
}

func TestLoadConfig_SecretNeverInConfig(t *testing.T) {
	cfg, err := loadConfig("", nil, environ(
		"SPOBKP_AUTHORITY=https://login.microsoftonline.com/tenant",
		"SPOBKP_CLIENTID=client",
		"SPOBKP_ENDPOINT="+testEndpoint,
		"SPOBKP_SECRET=s3cr3t",
	), (*app.Config).Validate)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got := strings.Join([]string{cfg.Auth.Authority, cfg.Auth.ClientID, cfg.Auth.SecretEnvKey, cfg.Auth.SecretFile}, " "); strings.Contains(got, "s3cr3t") {
		t.Errorf("secret value leaked into configuration: %q", got)
	}
}

func TestReadSecret(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "line", input: "s3cr3t\n", want: "s3cr3t"},
		{name: "no newline", input: "s3cr3t", want: "s3cr3t"},
		{name: "first line only", input: " s3cr3t \nsecond\n", want: "s3cr3t"},
		{name: "empty", input: "\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompt bytes.Buffer
			got, err := readSecret(strings.NewReader(tt.input), &prompt)
			if tt.wantErr {
				if err == nil {
					t.Fatal("readSecret() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("readSecret() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("readSecret() = %q, want %q", got, tt.want)
			}
			if prompt.Len() != 0 {
				t.Errorf("prompt written for piped input: %q", prompt.String())
			}
		})
	}
}

func TestSecretSet_WritesFileStore(t *testing.T) {
	secretFile := filepath.Join(t.TempDir(), "secret")
	var stderr bytes.Buffer

	cmd := &cli.Command{
		Name:      "spo-archiver",
		Flags:     []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands:  []*cli.Command{secretCommand()},
		Reader:    strings.NewReader("s3cr3t\n"),
		ErrWriter: &stderr,
	}
	args := []string{"spo-archiver", "secret", "set", "--auth--secret-storage", "file", "--auth--secret-file", secretFile}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	store, err := secretstore.NewFileStore(secretFile)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != "s3cr3t" {
		t.Errorf("stored secret = %q, want s3cr3t", got)
	}
}

func TestSecretSet_EnvStorageIsReadOnly(t *testing.T) {
	cmd := &cli.Command{
		Name:     "spo-archiver",
		Flags:    []cli.Flag{&cli.StringFlag{Name: "config"}},
		Commands: []*cli.Command{secretCommand()},
		Reader:   strings.NewReader("s3cr3t\n"),
	}
	err := cmd.Run(context.Background(), []string{"spo-archiver", "secret", "set"})
	if code := app.ExitCode(err); code != app.ExitConfig {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, code, app.ExitConfig)
	}
	if !errors.Is(err, secretstore.ErrReadOnly) {
		t.Errorf("error = %v, want ErrReadOnly", err)
	}
}
