package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/spo-archiver/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., SPOBKP_DRIVE__ENDPOINT → drive.endpoint)
const envPrefix = "SPOBKP_"

// actionEnv maps the unprefixed variables a GitHub Actions runner provides.
var actionEnv = map[string]string{
	"ARCHIVE_PREFIX":   "archive.prefix",
	"DEBUG":            "debug",
	"GITHUB_WORKSPACE": "archive.source",
}

// actionDebug maps the runner's DEBUG variable. Only "true" enables debug
// logging; other values (e.g. a DEBUG=express:* namespace list) are ignored.
func actionDebug(value string) (string, any) {
	if strings.EqualFold(strings.TrimSpace(value), "true") {
		return actionEnv["DEBUG"], true
	}
	return "", nil
}

// legacyEnv maps the flat variables of earlier releases.
var legacyEnv = map[string]string{
	"SPOBKP_AUTHORITY": "auth.authority",
	"SPOBKP_ENDPOINT":  "drive.endpoint",
	"SPOBKP_SCOPE":     "auth.scope",
	"SPOBKP_CLIENTID":  "auth.client_id",
}

// topLevelEnv are the prefixed variables without a section.
var topLevelEnv = map[string]bool{
	"SPOBKP_LOG_LEVEL":  true,
	"SPOBKP_LOG_FORMAT": true,
	"SPOBKP_DEBUG":      true,
}

// loadConfig loads application configuration from various sources with precedence:
// config file → action variables → legacy variables → prefixed variables → CLI flags → defaults.
// Every failure is a *app.ConfigError.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string, validate func(*app.Config) error) (*app.Config, error) {
	cfg, err := readConfig(configPath, cmd, environFunc)
	if err != nil {
		return nil, &app.ConfigError{Err: err}
	}
	if err := validate(cfg); err != nil {
		return nil, &app.ConfigError{Err: err}
	}
	return cfg, nil
}

func readConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load runner variables, then the flat names of earlier releases
	for _, mapping := range []map[string]string{actionEnv, legacyEnv} {
		provider := env.Provider(".", env.Opt{
			TransformFunc: func(key, value string) (string, any) {
				// Empty key drops the variable
				if key == "DEBUG" {
					return actionDebug(value)
				}
				return mapping[key], value
			},
			EnvironFunc: environFunc,
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("loading environment variables: %w", err)
		}
	}

	// 3. Load from prefixed environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			if !strings.Contains(key, "__") && !topLevelEnv[key] {
				return "", nil
			}
			stripped := strings.TrimPrefix(key, envPrefix)
			nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
			return nested, value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 4. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	return config, nil
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --drive--endpoint → drive.endpoint, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if name == "config" || !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}
