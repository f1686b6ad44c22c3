package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"zjm/internal/errs"
	"zjm/internal/release"
	"zjm/internal/zfs"
)

// UpdateSnapshotPrefix names the snapshot taken before a jail is patched.
const UpdateSnapshotPrefix = "ioc_update_"

// Update patches name with u. A fetched release is patched in place. A
// jail must be stopped and own its userland; it is snapshotted first and
// rolled back to that snapshot when the updater fails.
func (m *Manager) Update(ctx context.Context, name string, u release.Updater) error {
	pc := m.Topology.Pool
	ok, err := m.zfs().Exists(ctx, pc.Release(name))
	if err != nil {
		return err
	}
	if ok {
		if err := u.Run(ctx, filepath.Join(pc.ReleasePath(name), "root"), name); err != nil {
			return err
		}
		m.Sink.Info(fmt.Sprintf("%s has been updated successfully.", name))
		return nil
	}

	res, cfg, err := m.load(ctx, name)
	if err != nil {
		return err
	}
	if cfg.IsBasejail() {
		return errs.New(errs.CodeUnsupportedJailType,
			"%s is a basejail, update its release %s instead", res.ID, cfg.Release())
	}
	st, err := m.Jails.State(ctx, res.ID)
	if err != nil {
		return err
	}
	if st.Running {
		return errs.New(errs.CodeAlreadyRunning, "Please stop %s before updating!", res.ID)
	}

	snap := UpdateSnapshotPrefix + cfg.Release() + "_" + m.now().UTC().Format("2006-01-02_15.04.05")
	if _, err := m.Topology.Snapshot(ctx, res.ID, snap); err != nil {
		return err
	}

	run := func() error { return u.Run(ctx, res.RootPath(), cfg.Release()) }
	if res.IsTemplate() {
		err = zfs.WithWritable(ctx, m.zfs(), res.Dataset, run)
	} else {
		err = run()
	}
	if err != nil {
		if rerr := m.Topology.Rollback(context.WithoutCancel(ctx), res.ID, snap); rerr != nil {
			m.Sink.Error("Rollback after failed update failed", "jail", res.ID, "error", rerr)
		}
		return fmt.Errorf("failed to update %s: %w", res.ID, err)
	}
	m.Sink.Info(fmt.Sprintf("%s has been updated successfully.", res.ID))
	return nil
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
