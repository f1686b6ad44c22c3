package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zjm/internal/besteffort"
	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/fstab"
	"zjm/internal/pool"
	"zjm/internal/zfs"
)

type DestroyOptions struct {
	// Recursive also destroys the jails cloned from the target.
	Recursive bool
	// Clean skips stopping running jails.
	Clean bool
}

// Destroy removes a jail or template with every dataset below it and its
// console log.
func (m *Manager) Destroy(ctx context.Context, id string, opts DestroyOptions) error {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := m.destroyTree(ctx, res.Dataset, opts); err != nil {
		return err
	}
	m.Sink.Info(fmt.Sprintf("%s destroyed", res.ID))
	return nil
}

// DestroyRelease removes a fetched release, and its download dataset when
// download is set. Jails cloned from it must be destroyed with it
// (force) or first.
func (m *Manager) DestroyRelease(ctx context.Context, rel string, force, download bool) error {
	ds := m.Pool.Release(rel)
	ok, err := m.ZFS.Exists(ctx, ds)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.CodeNotFound, "RELEASE: %s not found!", rel)
	}
	if err := m.destroyTree(ctx, ds, DestroyOptions{Recursive: force}); err != nil {
		return err
	}
	if download {
		dl := m.Pool.DownloadDataset(rel)
		if ok, err := m.ZFS.Exists(ctx, dl); err == nil && ok {
			if err := m.ZFS.Destroy(ctx, dl, zfs.DestroyOptions{Recursive: true, Force: true}); err != nil {
				return err
			}
		}
	}
	m.Sink.Info(fmt.Sprintf("%s destroyed", rel))
	return nil
}

// DestroyCategory wipes every jail, template or release and leaves the
// empty category dataset behind.
func (m *Manager) DestroyCategory(ctx context.Context, category string) error {
	ds := m.Pool.CategoryDataset(category)
	ok, err := m.ZFS.Exists(ctx, ds)
	if err != nil || !ok {
		return err
	}
	if err := m.destroyTree(ctx, ds, DestroyOptions{Recursive: true, Clean: true}); err != nil {
		return err
	}
	return m.ZFS.Create(ctx, ds, nil)
}

// DestroyLayout removes the whole iocage dataset of the pool, every jail,
// template, release and image with it. Running jails are not stopped.
func (m *Manager) DestroyLayout(ctx context.Context) error {
	ds := m.Pool.Dataset()
	ok, err := m.ZFS.Exists(ctx, ds)
	if err != nil || !ok {
		return err
	}
	opts := DestroyOptions{Recursive: true, Clean: true}
	// Templates and releases first, so clones go through dependent handling.
	for i := len(pool.Layout) - 1; i >= 0; i-- {
		cat := m.Pool.CategoryDataset(pool.Layout[i])
		if ok, err := m.ZFS.Exists(ctx, cat); err != nil {
			return err
		} else if !ok {
			continue
		}
		if err := m.destroyTree(ctx, cat, opts); err != nil {
			return err
		}
	}
	return m.destroyTree(ctx, ds, opts)
}

func (m *Manager) destroyTree(ctx context.Context, dataset string, opts DestroyOptions) error {
	tree, err := m.ZFS.ListDependents(ctx, dataset, 0)
	if err != nil {
		return err
	}
	inTree := map[string]bool{}
	for _, d := range tree {
		inTree[d] = true
	}

	clones, err := m.clonesOf(ctx, tree)
	if err != nil {
		return err
	}
	if dependents := m.dependentJails(clones); len(dependents) > 0 {
		if !opts.Recursive {
			return errs.New(errs.CodeHasDependents,
				"%s has dependent jails: %s\nDestroy them first or destroy recursively.",
				dataset, strings.Join(resourceIDs(dependents), ", "))
		}
		for _, d := range dependents {
			ok, err := m.ZFS.Exists(ctx, d.Dataset)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			m.Sink.Info(fmt.Sprintf("Destroying dependent %s", d.ID))
			if err := m.destroyTree(ctx, d.Dataset, opts); err != nil {
				return err
			}
		}
	}

	jails := m.dependentJails(tree)
	if !opts.Clean {
		m.stopAll(ctx, jails)
	}

	// Origins outside the tree are garbage once their clone is gone.
	var origins []string
	for _, d := range tree {
		origin, err := m.ZFS.GetProperty(ctx, d, "origin")
		if err != nil {
			return err
		}
		if ds, _, ok := zfs.SnapshotName(origin); ok && !inTree[ds] {
			origins = append(origins, origin)
		}
	}

	for _, j := range jails {
		m.unmountAll(ctx, j)
	}

	for i := len(tree) - 1; i >= 0; i-- {
		ok, err := m.ZFS.Exists(ctx, tree[i])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.ZFS.Destroy(ctx, tree[i], zfs.DestroyOptions{Recursive: true, Force: true}); err != nil {
			return fmt.Errorf("failed to destroy %s: %w", tree[i], err)
		}
	}

	for _, j := range jails {
		if err := os.Remove(m.Pool.ConsoleLog(j.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.Sink.Warn("Failed to remove console log", "jail", j.ID, "error", err)
		}
	}
	for _, snap := range origins {
		m.collect(ctx, snap)
	}
	if dataset == m.Pool.CategoryDataset(pool.Jails) {
		snaps, err := m.ZFS.ListSnapshots(ctx, m.Pool.CategoryDataset(pool.Releases), true)
		if err == nil {
			for _, snap := range snaps {
				m.collect(ctx, snap)
			}
		}
	}
	return nil
}

// collect destroys snap unless something still depends on it.
func (m *Manager) collect(ctx context.Context, snap string) {
	ok, err := m.ZFS.Exists(ctx, snap)
	if err != nil || !ok {
		return
	}
	if err := m.ZFS.Destroy(ctx, snap, zfs.DestroyOptions{}); err != nil {
		m.Sink.Debug("Keeping snapshot", "snapshot", snap, "error", err)
	}
}

func (m *Manager) stopAll(ctx context.Context, jails []Resource) {
	if m.Stop == nil {
		return
	}
	for _, j := range jails {
		up, err := m.running(ctx, j.ID)
		if err != nil || !up {
			continue
		}
		m.Sink.Info(fmt.Sprintf("Stopping %s", j.ID))
		if err := m.Stop(ctx, j.ID); err != nil {
			m.Sink.Warn("Failed to stop jail before destroy", "jail", j.ID, "error", err)
		}
	}
}

// unmountAll releases everything mounted inside a jail so its datasets can
// go. Nothing being mounted is the usual case, so failures are quiet.
func (m *Manager) unmountAll(ctx context.Context, j Resource) {
	if m.Run == nil {
		return
	}
	rep := besteffort.Run(ctx, m.Sink, UnmountSteps(m.Run, j)...)
	for _, f := range rep.Failed() {
		m.Sink.Debug("Unmount failed", "jail", j.ID, "step", f.Label, "error", f.Err)
	}
}

// UnmountSteps force-unmounts the fstab entries, devfs, fdescfs, procfs and
// linprocfs of a jail, innermost first.
func UnmountSteps(run command.Runner, j Resource) []besteffort.Step {
	umount := func(args ...string) besteffort.Step {
		c := command.New("umount", args...)
		return besteffort.Step{
			Label: c.String(),
			Quiet: true,
			Run: func(ctx context.Context) error {
				_, err := run.Run(ctx, c)
				return err
			},
		}
	}
	root := j.RootPath()
	return []besteffort.Step{
		umount("-afF", filepath.Join(j.Path, fstab.FileName)),
		umount("-f", filepath.Join(root, "dev", "fd")),
		umount("-f", filepath.Join(root, "dev")),
		umount("-f", filepath.Join(root, "proc")),
		umount("-f", filepath.Join(root, "compat", "linux", "proc")),
	}
}
