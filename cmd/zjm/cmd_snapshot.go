package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"zjm/internal/manager"
)

func snapNameFlag() cli.Flag {
	return &cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "snapshot name"}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Snapshot a jail and its datasets",
		ArgsUsage: "<jail>",
		Flags:     []cli.Flag{snapNameFlag()},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail>"); err != nil {
				return err
			}
			_, err := a.topo.Snapshot(ctx, cmd.Args().First(), cmd.String("name"))
			return err
		}),
	}
}

func snaplistCommand() *cli.Command {
	return &cli.Command{
		Name:      "snaplist",
		Usage:     "List the snapshots of a jail",
		ArgsUsage: "<jail>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail>"); err != nil {
				return err
			}
			snaps, err := a.mgr.Snapshots(ctx, cmd.Args().First())
			if err != nil {
				return err
			}
			manager.RenderSnapshots(os.Stdout, snaps)
			return nil
		}),
	}
}

func snapremoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapremove",
		Usage:     "Remove a snapshot of a jail",
		ArgsUsage: "<jail>",
		Flags:     []cli.Flag{snapNameFlag()},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail> --name <snapshot>"); err != nil {
				return err
			}
			if cmd.String("name") == "" {
				return fmt.Errorf("--name is required")
			}
			return a.topo.RemoveSnapshot(ctx, cmd.Args().First(), cmd.String("name"))
		}),
	}
}

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "rollback",
		Usage:     "Roll a stopped jail back to a snapshot",
		ArgsUsage: "<jail>",
		Flags: []cli.Flag{
			snapNameFlag(),
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "do not ask for confirmation"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail> --name <snapshot>"); err != nil {
				return err
			}
			id, name := cmd.Args().First(), cmd.String("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !cmd.Bool("force") {
				msg, err := a.topo.WouldDestroyDataSince(ctx, id, name)
				if err != nil {
					return err
				}
				fmt.Println(msg)
				if !confirm(os.Stdin, os.Stdout, "Are you sure?") {
					return nil
				}
			}
			return a.topo.Rollback(ctx, id, name)
		}),
	}
}
