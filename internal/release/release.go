// Package release holds the collaborators that make a RELEASE available to
// the dataset topology and patch it with freebsd-update(8).
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/zfs"
)

// Fetcher makes sure a release root dataset exists and returns its name.
type Fetcher interface {
	Ensure(ctx context.Context, release string) (string, error)
}

// Updater applies OS patches to the tree at root.
type Updater interface {
	Run(ctx context.Context, root, release string) error
}

// Local only accepts releases that are already present in the pool.
// Downloading is left to other tools.
type Local struct {
	Pool pool.Context
	ZFS  zfs.Interface
}

func (l *Local) Ensure(ctx context.Context, release string) (string, error) {
	if release == "" {
		return "", errs.New(errs.CodeNotFound, "a RELEASE is required")
	}
	ds := l.Pool.ReleaseRoot(release)
	ok, err := l.ZFS.Exists(ctx, ds)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.CodeNotFound, "RELEASE: %s not found, please fetch it first", release)
	}
	return ds, nil
}

// List returns the releases present in the pool.
func (l *Local) List(ctx context.Context) ([]string, error) {
	deps, err := l.ZFS.ListDependents(ctx, l.Pool.CategoryDataset(pool.Releases), 1)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, d := range deps[min(1, len(deps)):] {
		res = append(res, d[strings.LastIndexByte(d, '/')+1:])
	}
	return res, nil
}

// FreeBSDUpdate runs the freebsd-update shipped inside root against root,
// with devfs mounted and the host resolver copied in for the duration.
type FreeBSDUpdate struct {
	Exec command.Runner
	Sink *report.Sink
	// HostResolver is copied into the tree; defaults to /etc/resolv.conf.
	HostResolver string
}

func (u *FreeBSDUpdate) Run(ctx context.Context, root, release string) error {
	conf := filepath.Join(root, "etc", "freebsd-update.conf")
	if _, err := os.Stat(conf); err != nil {
		return errs.Wrap(errs.CodeNotFound, err, "%s has no freebsd-update.conf", root)
	}
	u.Sink.Info(fmt.Sprintf("* Updating %s to the latest patch level... ", release))

	dev := filepath.Join(root, "dev")
	if _, err := u.Exec.Run(ctx, command.New("mount", "-t", "devfs", "devfs", dev)); err != nil {
		return fmt.Errorf("failed to mount devfs: %w", err)
	}
	defer func() {
		if _, uerr := u.Exec.Run(context.WithoutCancel(ctx), command.New("umount", dev)); uerr != nil {
			u.Sink.Warn("Failed to unmount devfs", "path", dev, "error", uerr)
		}
	}()

	resolv := filepath.Join(root, "etc", "resolv.conf")
	src := u.HostResolver
	if src == "" {
		src = "/etc/resolv.conf"
	}
	if err := copyFile(src, resolv); err != nil {
		u.Sink.Warn("Failed to copy resolv.conf", "error", err)
	}

	env := []string{
		"UNAME_r=" + release,
		"PAGER=/bin/cat",
		"PWD=/",
		"HOME=/",
		"TERM=xterm-256color",
	}
	bin := filepath.Join(root, "usr", "sbin", "freebsd-update")
	base := []string{"-b", root, "-d", filepath.Join(root, "var", "db", "freebsd-update") + "/", "-f", conf}

	fetch := command.Cmd{Name: bin, Args: append(append([]string{}, base...), "--not-running-from-cron", "fetch"), Env: env}
	if _, err := u.Exec.Run(ctx, fetch); err != nil {
		return errs.Wrap(errs.CodeCommandFailed, err, "freebsd-update fetch failed for %s", release)
	}
	install := command.Cmd{Name: bin, Args: append(append([]string{}, base...), "install"), Env: env}
	if _, err := u.Exec.Run(ctx, install); err != nil && !nothingToInstall(err) {
		return errs.Wrap(errs.CodeCommandFailed, err, "freebsd-update install failed for %s", release)
	}
	return nil
}

func nothingToInstall(err error) bool {
	return strings.Contains(command.Stderr(err), "No updates are available to install")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// IsNotFetched reports whether err means the release is missing.
func IsNotFetched(err error) bool {
	return errors.Is(err, errs.NotFound)
}
