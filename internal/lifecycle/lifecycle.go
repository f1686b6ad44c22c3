// Package lifecycle starts, stops and restarts jails. Liveness is always read
// from the OS jail table; nothing about a running jail is cached.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/host"

	"zjm/internal/command"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

// LastStartedFormat is the UTC layout of last_started.
const LastStartedFormat = "2006-01-02 15:04:05"

type Liveness interface {
	State(ctx context.Context, id string) (jail.State, error)
}

type Resolver interface {
	Resolve(ctx context.Context, name string) (topology.Resource, error)
}

type Controller struct {
	Pool      pool.Context
	ZFS       zfs.Interface
	Store     *jailconf.Store
	Jails     Liveness
	Resources Resolver
	Run       command.Runner
	Sink      *report.Sink
	Now       func() time.Time

	// HostID is compared with a jail's hostid when hostid_strict_check is on.
	HostID string
	// Version is the host userland version used to gate jail(8) parameters.
	Version float64
	// HostResolver and HostLocaltime default to the files under /etc.
	HostResolver  string
	HostLocaltime string
}

// HostVersion reads the running kernel's release, e.g. 13.2 for
// "13.2-RELEASE-p4". Zero means unknown.
func HostVersion(ctx context.Context) float64 {
	v, err := host.KernelVersionWithContext(ctx)
	if err != nil {
		return 0
	}
	return ParseVersion(v)
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) version() float64 {
	if c.Version == 0 {
		// Assume a current release rather than dropping every gated parameter.
		return 13.0
	}
	return c.Version
}

func (c *Controller) hostFile(path, def string) string {
	if path != "" {
		return path
	}
	return def
}

// load resolves id and reads its config.
func (c *Controller) load(ctx context.Context, id string) (topology.Resource, *jailconf.Config, error) {
	res, err := c.Resources.Resolve(ctx, id)
	if err != nil {
		return topology.Resource{}, nil, err
	}
	cfg, err := c.Store.Load(ctx, res.Path)
	if err != nil {
		return topology.Resource{}, nil, err
	}
	return res, cfg, nil
}

// defaultInterface returns the interface of the default route.
func (c *Controller) defaultInterface(ctx context.Context) (string, error) {
	out, err := command.Output(ctx, c.Run, "route", "-n", "get", "default")
	if err != nil {
		return "", fmt.Errorf("no default route: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && k == "interface" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("no default route")
}

// jexec runs args inside the jail under its FIB.
func (c *Controller) jexec(cfg *jailconf.Config, id string, args ...string) command.Cmd {
	fib := cfg.Get("exec_fib")
	if fib == "" {
		fib = "0"
	}
	return command.New("setfib", append([]string{fib, "jexec", jail.Name(id)}, args...)...)
}

// service runs an exec_* command inside the jail with its output appended
// to the console log.
func (c *Controller) service(ctx context.Context, cfg *jailconf.Config, id, script string) error {
	if err := os.MkdirAll(c.Pool.LogPath(), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(c.Pool.ConsoleLog(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	cmd := c.jexec(cfg, id, strings.Fields(script)...)
	cmd.Stdout = f
	_, err = c.Run.Run(ctx, cmd)
	return err
}

// hook runs an exec_pre*/exec_post* command on the host.
func (c *Controller) hook(ctx context.Context, script string) error {
	if script == "" || script == "none" {
		return nil
	}
	_, err := c.Run.Run(ctx, command.New("/bin/sh", "-c", script))
	return err
}

// jailDatasets lists the full names of the datasets delegated through
// jail_zfs_dataset.
func (c *Controller) jailDatasets(cfg *jailconf.Config) []string {
	var out []string
	for _, rel := range listValue(cfg.Get("jail_zfs_dataset")) {
		out = append(out, filepath.ToSlash(c.Pool.Name+"/"+rel))
	}
	return out
}

func (c *Controller) touchLastStarted(ctx context.Context, res topology.Resource, cfg *jailconf.Config) error {
	cfg.Set("last_started", c.now().UTC().Format(LastStartedFormat))
	return c.Store.Write(ctx, res.Path, cfg)
}

func enabled(v string) bool {
	switch v {
	case "on", "yes", "1":
		return true
	}
	return false
}
