package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"zjm/internal/fstab"
	"zjm/internal/manager"
)

func fstabCommand() *cli.Command {
	return &cli.Command{
		Name:      "fstab",
		Usage:     "Add, remove or list the fstab entries of a jail",
		ArgsUsage: "<jail> [index | source | source dest [type options dump pass]]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "add", Aliases: []string{"a"}, Usage: "add an entry"},
			&cli.BoolFlag{Name: "remove", Aliases: []string{"r"}, Usage: "remove an entry"},
			&cli.BoolFlag{Name: "list", Aliases: []string{"l"}, Usage: "list the entries"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail> [entry]"); err != nil {
				return err
			}
			ed, err := a.mgr.Fstab(ctx, cmd.Args().First(), a.run)
			if err != nil {
				return err
			}
			if !cmd.Bool("add") && !cmd.Bool("remove") {
				lines, err := ed.List()
				if err != nil {
					return err
				}
				manager.RenderFstab(os.Stdout, lines)
				return nil
			}

			sel, err := fstab.ParseSelector(cmd.Args().Tail())
			if err != nil {
				return err
			}
			if cmd.Bool("add") {
				_, err = ed.Add(ctx, sel)
			} else {
				_, err = ed.Remove(ctx, sel)
			}
			return err
		}),
	}
}
