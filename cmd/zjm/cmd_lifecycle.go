package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"zjm/internal/orchestrator"
)

// batch runs action over ALL jails or, with rc, the boot=on jails.
// It returns false when the arguments name individual jails.
func batch(ctx context.Context, cmd *cli.Command, a *app, action orchestrator.Action) (bool, error) {
	if cmd.Bool("rc") {
		return true, a.orch.Run(ctx, action, orchestrator.ModeRC)
	}
	if cmd.NArg() == 1 && cmd.Args().First() == "ALL" {
		return true, a.orch.Run(ctx, action, orchestrator.ModeAll)
	}
	return false, requireArgs(cmd, 1, "<jail ...|ALL>")
}

func rcFlag() cli.Flag {
	return &cli.BoolFlag{Name: "rc", Usage: "act on the jails with boot=on, in priority order"}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start jails",
		ArgsUsage: "<jail ...|ALL>",
		Flags:     []cli.Flag{rcFlag()},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if done, err := batch(ctx, cmd, a, orchestrator.Start); done || err != nil {
				return err
			}
			for _, id := range cmd.Args().Slice() {
				if err := a.ctl.Start(ctx, id); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop jails",
		ArgsUsage: "<jail ...|ALL>",
		Flags:     []cli.Flag{rcFlag()},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if done, err := batch(ctx, cmd, a, orchestrator.Stop); done || err != nil {
				return err
			}
			for _, id := range cmd.Args().Slice() {
				rep, err := a.ctl.Stop(ctx, id)
				if err != nil {
					return err
				}
				if !rep.OK() {
					return rep.Err()
				}
			}
			return nil
		}),
	}
}

func restartCommand() *cli.Command {
	return &cli.Command{
		Name:      "restart",
		Usage:     "Restart jails",
		ArgsUsage: "<jail ...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "soft", Aliases: []string{"s"}, Usage: "only cycle the services of the jail"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := requireArgs(cmd, 1, "<jail ...>"); err != nil {
				return err
			}
			for _, id := range cmd.Args().Slice() {
				if err := a.ctl.Restart(ctx, id, cmd.Bool("soft")); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
