package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"zjm/internal/command"
	"zjm/internal/config"
	"zjm/internal/crypto"
	"zjm/internal/image"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/lifecycle"
	"zjm/internal/logging"
	"zjm/internal/manager"
	"zjm/internal/manifest"
	"zjm/internal/orchestrator"
	"zjm/internal/pool"
	"zjm/internal/release"
	"zjm/internal/remote"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

const lockPath = "/var/run/zjm.lock"

// app holds every collaborator a verb may need, wired against one pool.
type app struct {
	cfg     *config.Config
	sink    *report.Sink
	run     command.Runner
	zfs     zfs.Interface
	pool    pool.Context
	jails   *jail.Table
	store   *jailconf.Store
	topo    *topology.Manager
	ctl     *lifecycle.Controller
	orch    *orchestrator.Orchestrator
	mgr     *manager.Manager
	logFile *os.File
}

func (a *app) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func consoleLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.NewConsoleLogger(os.Stderr, level), nil
}

// newApp loads the config, opens the pool and switches logging to the
// daily file under the pool's log directory.
func newApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	console, err := consoleLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(console)

	run := command.NewExec(cfg.Timeout())
	z := zfs.NewClient(run, zfs.NewCache())
	pc, err := pool.Open(ctx, z, cfg.Pool, lockPath, report.New(console, report.ExitPolicy{}))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, run: run, zfs: z, pool: pc}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = pc.LogPath()
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logPath := filepath.Join(logDir, fmt.Sprintf("zjm-%s.log", time.Now().Format("2006-01-02")))
	logger, logFile, err := logging.NewLogger(logPath, os.Stderr, level)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	a.logFile = logFile
	a.sink = report.New(logger, report.ExitPolicy{})

	a.jails = jail.NewTable(run)
	a.store = &jailconf.Store{
		Pool:     pc,
		ZFS:      z,
		Jails:    a.jails,
		Defaults: jailconf.Defaults(jailconf.DetectHost(ctx, run)),
		Sink:     a.sink,
	}
	a.topo = &topology.Manager{
		Pool:     pc,
		ZFS:      z,
		Store:    a.store,
		Jails:    a.jails,
		Releases: &release.Local{Pool: pc, ZFS: z},
		Run:      run,
		Sink:     a.sink,
	}
	a.ctl = &lifecycle.Controller{
		Pool:      pc,
		ZFS:       z,
		Store:     a.store,
		Jails:     a.jails,
		Resources: a.topo,
		Run:       run,
		Sink:      a.sink,
		HostID:    a.store.Defaults["hostid"],
		Version:   lifecycle.HostVersion(ctx),
	}
	a.topo.Stop = func(ctx context.Context, id string) error {
		_, err := a.ctl.Stop(ctx, id)
		return err
	}
	a.orch = &orchestrator.Orchestrator{
		Topology:    a.topo,
		Store:       a.store,
		Jails:       a.jails,
		Lifecycle:   a.ctl,
		Parallelism: cfg.BootParallelism,
		Sink:        a.sink,
	}
	a.mgr = &manager.Manager{
		Topology: a.topo,
		Store:    a.store,
		Jails:    a.jails,
		Releases: &release.Local{Pool: pc, ZFS: z},
		Sink:     a.sink,
	}
	slog.Debug("Pool opened", "pool", pc.Name, "root", pc.Root)
	return a, nil
}

// images wires the exporter. The S3 remote is only built when enabled.
func (a *app) images(ctx context.Context, privateKey string) (*image.Images, error) {
	recipient, err := crypto.ParseRecipient(a.cfg.Export.AgePublicKey)
	if err != nil {
		return nil, err
	}
	im := &image.Images{
		Topology:  a.topo,
		Recipient: recipient,
		Progress:  os.Stderr,
		System:    manifest.GetSystemInfo(ctx, a.run),
		Sink:      a.sink,
	}
	if privateKey != "" {
		if im.Identity, err = crypto.LoadIdentity(privateKey); err != nil {
			return nil, err
		}
	}
	if a.cfg.S3.Enabled {
		backend, err := remote.New(ctx, remote.OptionsFrom(a.cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
		}
		im.Remote = backend
	}
	return im, nil
}

// withApp runs fn against a freshly wired app.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sink.Exception(fn(ctx, cmd, a))
	}
}
