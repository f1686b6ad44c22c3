package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

// Start brings a jail up. Only the preconditions and "jail -c" are fatal;
// everything after the jail process exists is reported and carried on past.
func (c *Controller) Start(ctx context.Context, id string) error {
	res, cfg, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if err := c.checkStart(ctx, res, cfg); err != nil {
		return err
	}
	c.Sink.Info(fmt.Sprintf("* Starting %s", res.ID))

	root := res.RootPath()
	if cfg.DHCP() {
		if err := writeDHCP(filepath.Join(root, "etc", "rc.conf"), cfg.Interfaces()); err != nil {
			c.Sink.Warn("Failed to enable DHCP in rc.conf", "jail", res.ID, "error", err)
		}
	}
	if err := c.mountProc(ctx, cfg, root); err != nil {
		return err
	}
	if cfg.JailZFS() {
		if err := c.prepareJailed(ctx, cfg); err != nil {
			return err
		}
	}

	in := ParamsInput{
		Name:       jail.Name(res.ID),
		Path:       res.Path,
		ConsoleLog: c.Pool.ConsoleLog(res.ID),
		Version:    c.version(),
	}
	if !cfg.VNET() {
		// A missing default route only matters for bare addresses.
		in.DefaultInterface, _ = c.defaultInterface(ctx)
	}
	cmd := command.New("jail", append([]string{"-c"}, Params(cfg, in)...)...)
	cmd.Env = []string{"IOCAGE_HOSTNAME=" + cfg.Hostname(), "IOCAGE_NAME=" + jail.Name(res.ID)}
	if _, err := c.Run.Run(ctx, cmd); err != nil {
		c.Sink.Step("Start", err)
		return errs.Wrap(errs.CodeJailStartFailed, err, "%s failed to start: %s", res.ID, command.Stderr(err))
	}
	c.Sink.Step("Started", nil)
	if cfg.DHCP() && cfg.Get("devfs_ruleset") == "4" {
		c.Sink.Info(fmt.Sprintf("  + Using devfs_ruleset: %s", dhcpRuleset))
	}

	if err := devLog(root); err != nil {
		c.Sink.Warn("Failed to link /dev/log", "jail", res.ID, "error", err)
	}

	if cfg.VNET() {
		st, err := c.Jails.State(ctx, res.ID)
		if err != nil {
			c.Sink.Step("Configuring VNET", err)
		} else {
			warnings := c.startVNET(ctx, res, cfg, st.JID)
			c.Sink.Step("Configuring VNET", errors.Join(warnings...))
		}
	}
	if cfg.JailZFS() {
		c.attachJailed(ctx, res, cfg)
	}

	if err := c.writeResolver(root, cfg.Get("resolver")); err != nil {
		c.Sink.Warn("Failed to write resolv.conf", "jail", res.ID, "error", err)
	}
	if cfg.HostTime() {
		src := c.hostFile(c.HostLocaltime, "/etc/localtime")
		if err := copyFile(src, filepath.Join(root, "etc", "localtime")); err != nil {
			c.Sink.Warn("Failed to copy localtime", "jail", res.ID, "error", err)
		}
	}

	c.Sink.Step("Starting services", c.service(ctx, cfg, res.ID, cfg.Get("exec_start")))
	return c.touchLastStarted(ctx, res, cfg)
}

// checkStart verifies everything Start refuses on before it touches the
// system.
func (c *Controller) checkStart(ctx context.Context, res topology.Resource, cfg *jailconf.Config) error {
	st, err := c.Jails.State(ctx, res.ID)
	if err != nil {
		return err
	}
	if st.Running {
		return errs.New(errs.CodeAlreadyRunning, "%s is already running!", res.ID)
	}

	kind := cfg.Kind()
	if res.IsTemplate() {
		kind = jailconf.KindTemplate
	}
	switch {
	case kind == jailconf.KindTemplate:
		return errs.New(errs.CodeUnsupportedJailType,
			"%s is a template, convert it to a jail or create a jail from it first.", res.ID)
	case kind == jailconf.KindBasejail:
		return errs.New(errs.CodeUnsupportedJailType,
			"%s is a legacy basejail, migrate it to type=jail with basejail=yes before starting.", res.ID)
	case !kind.Startable():
		return errs.New(errs.CodeUnsupportedJailType, "%s has unsupported type %s.", res.ID, kind)
	}

	if enabled(cfg.Get("hostid_strict_check")) && cfg.Get("hostid") != c.HostID {
		return errs.New(errs.CodeJailStartFailed,
			"%s hostid is not matching and 'hostid_strict_check' is on! - Not starting jail", res.ID)
	}

	var missing []string
	if cfg.DHCP() {
		if !cfg.BPF() {
			missing = append(missing, "dhcp requires bpf=yes!")
		}
		if !cfg.VNET() {
			missing = append(missing, "dhcp requires vnet=on!")
		}
	}
	if !cfg.VNET() {
		if strings.Contains(cfg.Get("ip6_addr"), "accept_rtadv") {
			missing = append(missing, "accept_rtadv requires vnet=on!")
		}
		if cfg.BPF() {
			missing = append(missing, "bpf requires vnet=on!")
		}
	}
	if len(missing) > 0 {
		return errs.New(errs.CodeMissingPrerequisiteProperty, "%s: %s", res.ID, strings.Join(missing, "\n"))
	}
	return nil
}

// mountProc mounts procfs and linprocfs when configured and not mounted yet.
func (c *Controller) mountProc(ctx context.Context, cfg *jailconf.Config, root string) error {
	type fs struct {
		key, fstype, source, dir string
	}
	var want []fs
	if cfg.Get("mount_procfs") == "1" {
		want = append(want, fs{"mount_procfs", "procfs", "proc", filepath.Join(root, "proc")})
	}
	if cfg.Get("mount_linprocfs") == "1" {
		want = append(want, fs{"mount_linprocfs", "linprocfs", "linproc", filepath.Join(root, "compat", "linux", "proc")})
	}
	if len(want) == 0 {
		return nil
	}
	mounted, err := c.mounted(ctx)
	if err != nil {
		return err
	}
	for _, m := range want {
		if mounted[m.dir] {
			continue
		}
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return err
		}
		if _, err := c.Run.Run(ctx, command.New("mount", "-t", m.fstype, m.source, m.dir)); err != nil {
			return fmt.Errorf("%s: %w", m.key, err)
		}
	}
	return nil
}

// mounted returns the mount points currently in use.
func (c *Controller) mounted(ctx context.Context) (map[string]bool, error) {
	out, err := command.Output(ctx, c.Run, "mount", "-p")
	if err != nil {
		return nil, err
	}
	res := map[string]bool{}
	for _, line := range strings.Split(string(out), "\n") {
		if f := strings.Fields(line); len(f) >= 2 {
			res[f[1]] = true
		}
	}
	return res, nil
}

// prepareJailed creates missing delegated datasets and marks them jailed.
// Attaching them has to wait for the jail to exist.
func (c *Controller) prepareJailed(ctx context.Context, cfg *jailconf.Config) error {
	for _, ds := range c.jailDatasets(cfg) {
		ok, err := c.ZFS.Exists(ctx, ds)
		if err != nil {
			return err
		}
		if !ok {
			props := map[string]string{"compression": "lz4", "mountpoint": "none"}
			if err := c.ZFS.Create(ctx, ds, props); err != nil {
				return err
			}
		}
		if err := c.ZFS.SetProperty(ctx, ds, "jailed", "on"); err != nil {
			return err
		}
	}
	return nil
}

// attachJailed hands the delegated datasets to the running jail and mounts
// them from inside.
func (c *Controller) attachJailed(ctx context.Context, res topology.Resource, cfg *jailconf.Config) {
	name := jail.Name(res.ID)
	for _, ds := range c.jailDatasets(cfg) {
		err := c.ZFS.Jail(ctx, name, ds)
		if err == nil {
			err = c.mountJailed(ctx, res, cfg, ds)
		}
		c.Sink.Step("Jailing "+ds, err)
	}
}

func (c *Controller) mountJailed(ctx context.Context, res topology.Resource, cfg *jailconf.Config, ds string) error {
	tree, err := c.ZFS.ListDependents(ctx, ds, 0)
	if err != nil {
		return err
	}
	var failed []error
	for _, d := range tree {
		mp, err := c.ZFS.GetProperty(ctx, d, "mountpoint")
		if err != nil {
			return err
		}
		if mp == "none" || mp == "legacy" || mp == zfs.NoValue {
			continue
		}
		if _, err := c.Run.Run(ctx, c.jexec(cfg, res.ID, "zfs", "mount", d)); err != nil {
			failed = append(failed, fmt.Errorf("mount %s: %w", d, err))
		}
	}
	return errors.Join(failed...)
}
