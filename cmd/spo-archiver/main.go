// Command spo-archiver publishes repository archives to a SharePoint Online
// document library and keeps only the newest ones.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/florianilch/spo-archiver/cmd/spo-archiver/commands"
	"github.com/florianilch/spo-archiver/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, os.Args)
	stop()

	if err != nil {
		slog.Error("command failed", "error", err)
	}
	os.Exit(app.ExitCode(err))
}
