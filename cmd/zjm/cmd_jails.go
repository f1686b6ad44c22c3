package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"zjm/internal/command"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

func activateCommand() *cli.Command {
	return &cli.Command{
		Name:      "activate",
		Usage:     "Set a zpool active for jail usage",
		ArgsUsage: "<zpool>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := requireArgs(cmd, 1, "<zpool>"); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := consoleLogger(cfg)
			if err != nil {
				return err
			}
			sink := report.New(log, report.ExitPolicy{})
			z := zfs.NewClient(command.NewExec(cfg.Timeout()), zfs.NewCache())
			name := cmd.Args().First()
			if err := pool.Activate(ctx, z, name); err != nil {
				return sink.Exception(err)
			}
			sink.Info(fmt.Sprintf("ZFS pool '%s' successfully activated.", name))
			return nil
		},
	}
}

// newName returns a random jail id, shortened to its first block if short.
func newName(short bool) string {
	id := uuid.New().String()
	if short {
		return id[:8]
	}
	return id
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a jail from a release or a template",
		ArgsUsage: "[key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "release", Aliases: []string{"r"}, Usage: "release to create the jail from"},
			&cli.StringFlag{Name: "template", Aliases: []string{"t"}, Usage: "template to clone the jail from"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "jail name, a uuid when empty"},
			&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Usage: "number of jails to create", Value: 1},
			&cli.BoolFlag{Name: "basejail", Aliases: []string{"b"}, Usage: "mount the release read-only instead of copying it"},
			&cli.BoolFlag{Name: "short", Aliases: []string{"s"}, Usage: "use a short uuid as name"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			rel, tmpl := cmd.String("release"), cmd.String("template")
			if (rel == "") == (tmpl == "") {
				return fmt.Errorf("exactly one of --release or --template is required")
			}
			props, err := parseProps(cmd.Args().Slice())
			if err != nil {
				return err
			}
			name := cmd.String("name")
			if name == "" {
				name = newName(cmd.Bool("short"))
			}
			opts := topology.CreateOptions{Props: props, Basejail: cmd.Bool("basejail")}
			for _, id := range topology.CloneNames(name, cmd.Int("count")) {
				if tmpl != "" {
					_, err = a.topo.CreateFromTemplate(ctx, tmpl, id, opts)
				} else {
					_, err = a.topo.CreateFromRelease(ctx, rel, id, opts)
				}
				if err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func cloneCommand() *cli.Command {
	return &cli.Command{
		Name:      "clone",
		Usage:     "Clone a jail",
		ArgsUsage: "<source> [key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "name of the clone, a uuid when empty"},
			&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Usage: "number of clones", Value: 1},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<source> [key=value ...]"); err != nil {
				return err
			}
			props, err := parseProps(cmd.Args().Tail())
			if err != nil {
				return err
			}
			name := cmd.String("name")
			if name == "" {
				name = newName(false)
			}
			_, err = a.topo.CloneFromJail(ctx, cmd.Args().First(), name, cmd.Int("count"),
				topology.CreateOptions{Props: props})
			return err
		}),
	}
}

func destroyCommand() *cli.Command {
	return &cli.Command{
		Name:      "destroy",
		Usage:     "Destroy jails, templates or a release",
		ArgsUsage: "<jail ...> | --release <release>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "do not ask for confirmation"},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"R"}, Usage: "also destroy jails cloned from the target"},
			&cli.BoolFlag{Name: "release", Aliases: []string{"r"}, Usage: "the argument is a release"},
			&cli.BoolFlag{Name: "download", Aliases: []string{"d"}, Usage: "also destroy the release download dataset"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail ...>"); err != nil {
				return err
			}
			for _, name := range cmd.Args().Slice() {
				if !cmd.Bool("force") && !confirm(os.Stdin, os.Stdout, fmt.Sprintf("This will destroy %s. Are you sure?", name)) {
					a.sink.Info("Skipped " + name)
					continue
				}
				var err error
				if cmd.Bool("release") {
					err = a.topo.DestroyRelease(ctx, name, cmd.Bool("force"), cmd.Bool("download"))
				} else {
					err = a.topo.Destroy(ctx, name, topology.DestroyOptions{Recursive: cmd.Bool("recursive")})
				}
				if err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func renameCommand() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "Rename a stopped jail",
		ArgsUsage: "<jail> <new name>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 2, "<jail> <new name>"); err != nil {
				return err
			}
			_, err := a.topo.Rename(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
			return err
		}),
	}
}

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:      "clean",
		Usage:     "Destroy every jail, release, template or image, or the whole layout",
		ArgsUsage: "<jails|releases|templates|images|all>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "do not ask for confirmation"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jails|releases|templates|images|all>"); err != nil {
				return err
			}
			what := cmd.Args().First()
			if !cmd.Bool("force") && !confirm(os.Stdin, os.Stdout, fmt.Sprintf("This will destroy all %s. Are you sure?", what)) {
				return nil
			}
			return a.orch.Clean(ctx, what)
		}),
	}
}
