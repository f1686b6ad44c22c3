package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"zjm/internal/manager"
)

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List jails, templates or fetched releases",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "templates", Aliases: []string{"t"}, Usage: "list templates"},
			&cli.BoolFlag{Name: "releases", Aliases: []string{"r"}, Usage: "list fetched releases"},
			&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "show boot, type and template columns and full addresses"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if cmd.Bool("releases") {
				rels, err := a.mgr.ListReleases(ctx)
				if err != nil {
					return err
				}
				manager.RenderReleases(os.Stdout, rels)
				return nil
			}
			full := cmd.Bool("long")
			rows, err := a.mgr.List(ctx, manager.ListOptions{Templates: cmd.Bool("templates"), Full: full})
			if err != nil {
				return err
			}
			manager.Render(os.Stdout, rows, full)
			return nil
		}),
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Print a property of a jail, or all of them",
		ArgsUsage: "<property|all> <jail>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 2, "<property|all> <jail>"); err != nil {
				return err
			}
			key, id := cmd.Args().Get(0), cmd.Args().Get(1)
			if key == "all" {
				props, err := a.mgr.Properties(ctx, id)
				if err != nil {
					return err
				}
				manager.RenderProperties(os.Stdout, props)
				return nil
			}
			v, err := a.mgr.Get(ctx, id, key)
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		}),
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Set properties of a jail",
		ArgsUsage: "<key=value ...> <jail>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 2, "<key=value ...> <jail>"); err != nil {
				return err
			}
			args := cmd.Args().Slice()
			id := args[len(args)-1]
			props := args[:len(args)-1]
			if _, err := parseProps(props); err != nil {
				return err
			}
			// Applied in argument order; template conversion moves the dataset.
			for _, p := range props {
				k, v, _ := strings.Cut(p, "=")
				if err := a.mgr.Set(ctx, id, k, v); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
