package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"zjm/internal/release"
)

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a stopped jail as an image",
		ArgsUsage: "<jail>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail>"); err != nil {
				return err
			}
			im, err := a.images(ctx, "")
			if err != nil {
				return err
			}
			_, err = im.Export(ctx, cmd.Args().First())
			return err
		}),
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import a jail from an image",
		ArgsUsage: "<image>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "private-key", Usage: "path to age private key file for encrypted images"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<image>"); err != nil {
				return err
			}
			im, err := a.images(ctx, cmd.String("private-key"))
			if err != nil {
				return err
			}
			_, err = im.Import(ctx, cmd.Args().First())
			return err
		}),
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:      "update",
		Usage:     "Apply OS patches to a release or a stopped jail",
		ArgsUsage: "<jail|release>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail|release>"); err != nil {
				return err
			}
			u := &release.FreeBSDUpdate{Exec: a.run, Sink: a.sink}
			return a.mgr.Update(ctx, cmd.Args().First(), u)
		}),
	}
}
