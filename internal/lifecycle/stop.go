package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"zjm/internal/besteffort"
	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/topology"
)

// Stop tears a running jail down in the reverse order of Start. Every step
// is attempted; the report says which ones failed.
func (c *Controller) Stop(ctx context.Context, id string) (besteffort.Report, error) {
	res, cfg, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := c.Jails.State(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		return nil, errs.New(errs.CodeNotRunning, "%s is not running!", res.ID)
	}
	c.Sink.Info(fmt.Sprintf("* Stopping %s", res.ID))

	name := jail.Name(res.ID)
	step := func(label string, fn func(ctx context.Context) error) besteffort.Step {
		return besteffort.Step{Label: label, Run: fn}
	}
	steps := []besteffort.Step{
		step("Running prestop", func(ctx context.Context) error {
			return c.hook(ctx, cfg.Get("exec_prestop"))
		}),
		step("Stopping services", func(ctx context.Context) error {
			return c.service(ctx, cfg, res.ID, cfg.Get("exec_stop"))
		}),
	}
	if cfg.JailZFS() {
		for _, ds := range c.jailDatasets(cfg) {
			steps = append(steps, step("Detaching "+ds, func(ctx context.Context) error {
				return c.detachJailed(ctx, res, cfg, ds)
			}))
		}
	}
	if cfg.VNET() {
		steps = append(steps, step("Tearing down VNET", func(ctx context.Context) error {
			return c.stopVNET(ctx, cfg, st.JID)
		}))
	} else {
		steps = append(steps, step("Removing IP aliases", func(ctx context.Context) error {
			return c.removeAliases(ctx, cfg)
		}))
	}
	steps = append(steps,
		step("Removing jail process", func(ctx context.Context) error {
			_, err := c.Run.Run(ctx, command.New("jail", "-r", name))
			return err
		}),
		step("Running poststop", func(ctx context.Context) error {
			return c.hook(ctx, cfg.Get("exec_poststop"))
		}),
	)
	steps = append(steps, topology.UnmountSteps(c.Run, res)...)

	rep := besteffort.Run(ctx, c.Sink, steps...)
	for _, f := range rep.Failed() {
		c.Sink.Debug("Stop step failed", "jail", res.ID, "step", f.Label, "error", f.Err)
	}
	return rep, nil
}

// detachJailed unmounts a delegated dataset's tree inside the jail, children
// first, and takes it back from the jail.
func (c *Controller) detachJailed(ctx context.Context, res topology.Resource, cfg *jailconf.Config, ds string) error {
	tree, err := c.ZFS.ListDependents(ctx, ds, 0)
	if err != nil {
		return err
	}
	var failed []error
	for i := len(tree) - 1; i >= 0; i-- {
		mp, err := c.ZFS.GetProperty(ctx, tree[i], "mountpoint")
		if err != nil || mp == "none" || mp == "legacy" {
			continue
		}
		if _, err := c.Run.Run(ctx, c.jexec(cfg, res.ID, "zfs", "umount", tree[i])); err != nil {
			failed = append(failed, fmt.Errorf("umount %s: %w", tree[i], err))
		}
	}
	if err := c.ZFS.Unjail(ctx, jail.Name(res.ID), ds); err != nil {
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

// Restart stops and starts a jail. A soft restart keeps the jail process
// and only cycles its services.
func (c *Controller) Restart(ctx context.Context, id string, soft bool) error {
	if !soft {
		rep, err := c.Stop(ctx, id)
		if err != nil && !errors.Is(err, errs.NotRunning) {
			return err
		}
		if !rep.OK() {
			c.Sink.Warn("Jail did not stop cleanly", "jail", id, "error", rep.Err())
		}
		return c.Start(ctx, id)
	}

	res, cfg, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	st, err := c.Jails.State(ctx, res.ID)
	if err != nil {
		return err
	}
	if !st.Running {
		return errs.New(errs.CodeNotRunning, "%s is not running!", res.ID)
	}
	c.Sink.Info(fmt.Sprintf("* Soft restarting %s", res.ID))
	c.Sink.Step("Stopping services", c.service(ctx, cfg, res.ID, cfg.Get("exec_stop")))
	_, err = c.Run.Run(ctx, command.New("pkill", "-j", strconv.Itoa(st.JID)))
	// pkill exits 1 when nothing matched.
	var ce *command.Error
	if errors.As(err, &ce) && ce.ExitCode == 1 {
		err = nil
	}
	c.Sink.Step("Killing processes", err)
	c.Sink.Step("Starting services", c.service(ctx, cfg, res.ID, cfg.Get("exec_start")))
	return c.touchLastStarted(ctx, res, cfg)
}
