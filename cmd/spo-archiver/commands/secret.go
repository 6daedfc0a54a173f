package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/spo-archiver/internal/app"
	"github.com/florianilch/spo-archiver/internal/secretstore"
)

// maxSecretLen bounds a secret read from a pipe.
const maxSecretLen = 4 << 10

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "manage the client secret",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "store the client secret, read from the terminal or stdin",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "auth--secret-storage",
						Usage: "secret storage (file|keyring)",
					},
					&cli.StringFlag{
						Name:  "auth--secret-file",
						Usage: "secret file path for file storage",
					},
					&cli.StringFlag{
						Name:  "auth--keyring-user",
						Usage: "keyring user for keyring storage",
					},
					&cli.StringFlag{
						Name:  "auth--client-id",
						Usage: "application (client) id, default keyring user",
					},
				},
				Action: secretSetAction,
			},
		},
	}
}

func secretSetAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ, (*app.Config).ValidateSecretStore)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := cfg.Auth.NewSecretStore()
	if err != nil {
		return &app.ConfigError{Err: fmt.Errorf("opening secret store: %w", err)}
	}

	secret, err := readSecret(cmd.Root().Reader, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}

	if err := store.Write(ctx, secret); err != nil {
		if errors.Is(err, secretstore.ErrReadOnly) {
			return &app.ConfigError{Err: fmt.Errorf("%s storage cannot be written, choose file or keyring: %w", cfg.Auth.SecretStorage, err)}
		}
		return fmt.Errorf("storing secret: %w", err)
	}

	slog.InfoContext(ctx, "client secret stored", "storage", cfg.Auth.SecretStorage)
	return nil
}

// readSecret prompts without echo on a terminal and reads the first line
// otherwise.
func readSecret(r io.Reader, prompt io.Writer) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Client secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return nonEmpty(string(b))
	}

	b, err := io.ReadAll(io.LimitReader(r, maxSecretLen))
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return nonEmpty(line)
}

func nonEmpty(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
