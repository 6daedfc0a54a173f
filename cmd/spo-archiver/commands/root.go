package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/spo-archiver/internal/app"
	"github.com/florianilch/spo-archiver/internal/observability"
)

// shutdownTimeout bounds flushing of log exporters at exit.
const shutdownTimeout = 5 * time.Second

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "spo-archiver",
		Usage: "Publish repository archives to SharePoint Online and keep the newest",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "shorthand for --log-level debug",
			},
		},
		Commands: []*cli.Command{
			publishCommand(),
			listCommand(),
			pruneCommand(),
			secretCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// remoteFlags address the tenant and the remote directory.
func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "auth--authority",
			Usage: "tenant authority or token endpoint URL",
		},
		&cli.StringFlag{
			Name:  "auth--client-id",
			Usage: "application (client) id",
		},
		&cli.StringFlag{
			Name:  "auth--scope",
			Usage: "token scope",
			Value: app.DefaultConfigAuthScope,
		},
		&cli.StringFlag{
			Name:  "drive--endpoint",
			Usage: "children endpoint of the target directory (.../root:/<path>:/children or .../root/children)",
		},
		&cli.StringFlag{
			Name:  "archive--prefix",
			Usage: "archive name prefix",
			Value: app.DefaultConfigArchivePrefix,
		},
		&cli.IntFlag{
			Name:  "retention--max-count",
			Usage: "number of archives to keep",
			Value: app.DefaultConfigMaxCount,
		},
		&cli.IntFlag{
			Name:  "retention--delete-concurrency",
			Usage: "deletions running at once",
			Value: app.DefaultConfigDeleteConcurrency,
		},
		&cli.DurationFlag{
			Name:  "http--timeout",
			Usage: "timeout of every request",
			Value: app.DefaultConfigHTTPTimeout,
		},
		&cli.StringFlag{
			Name:  "metrics--pushgateway-url",
			Usage: "Prometheus Pushgateway to push run metrics to",
		},
	}
}

func publishCommand() *cli.Command {
	flags := append(remoteFlags(),
		&cli.StringFlag{
			Name:  "archive--source",
			Usage: "directory to archive",
			Value: app.DefaultConfigArchiveSource,
		},
		&cli.StringSliceFlag{
			Name:  "archive--exclude",
			Usage: "pattern of paths to leave out, repeatable",
		},
		&cli.StringFlag{
			Name:  "archive--description",
			Usage: "description stored with the uploaded archive",
			Value: app.DefaultConfigArchiveDescription,
		},
	)
	return &cli.Command{
		Name:   "publish",
		Usage:  "archive the source directory, upload it and delete the oldest archives",
		Flags:  flags,
		Action: publishAction,
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "print the archives in the remote directory, oldest first",
		Flags:  remoteFlags(),
		Action: listAction,
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:   "prune",
		Usage:  "delete the oldest archives beyond the retention window",
		Flags:  remoteFlags(),
		Action: pruneAction,
	}
}

func publishAction(ctx context.Context, cmd *cli.Command) error {
	return runApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
		_, err := a.Publish(ctx)
		return err
	})
}

func pruneAction(ctx context.Context, cmd *cli.Command) error {
	return runApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
		_, err := a.Prune(ctx)
		return err
	})
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	return runApp(ctx, cmd, func(ctx context.Context, a *app.App) error {
		items, err := a.List(ctx)
		if err != nil {
			return err
		}
		w := cmd.Root().Writer
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", item.Created.Format(time.RFC3339), item.Size, item.Name, item.ID)
		}
		return nil
	})
}

// runApp loads the configuration, sets up observability and runs fn.
func runApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ, (*app.Config).Validate)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:        cfg.LogLevel,
		Format:       string(cfg.LogFormat),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPProtocol: cfg.Telemetry.OTLPProtocol,
	})
	if err != nil {
		return &app.ConfigError{Err: fmt.Errorf("failed to set up observability layer: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.Root().ErrWriter, "flushing logs: %v\n", err)
		}
	}()
	slog.SetDefault(slog.Default().With("run_id", uuid.NewString()))

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting", "command", cmd.Name)
	return fn(ctx, application)
}
