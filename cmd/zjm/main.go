package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"zjm/internal/config"
	"zjm/internal/report"
)

var version = "0.1.0"

func main() {
	cmd := &cli.Command{
		Name:    "zjm",
		Usage:   "ZFS jail manager",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: config.DefaultPath,
			},
		},
		Commands: []*cli.Command{
			activateCommand(),
			createCommand(),
			cloneCommand(),
			destroyCommand(),
			renameCommand(),
			cleanCommand(),
			startCommand(),
			stopCommand(),
			restartCommand(),
			listCommand(),
			getCommand(),
			setCommand(),
			snapshotCommand(),
			snaplistCommand(),
			snapremoveCommand(),
			rollbackCommand(),
			fstabCommand(),
			exportCommand(),
			importCommand(),
			updateCommand(),
			genkeyCommand(),
			testKeysCommand(),
			checkCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130)
		}
		// Errors raised inside a verb were logged where they happened.
		if !report.IsReported(err) {
			slog.Error("CLI error", "error", err)
		}
		os.Exit(1)
	}
}
