package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zjm/internal/errs"
	"zjm/internal/zfs"
)

// SnapshotTimeFormat names snapshots taken without an explicit name.
const SnapshotTimeFormat = "2006-01-02_15:04:05"

type SnapshotInfo struct {
	// Name is the full dataset@snapshot name.
	Name       string
	Created    string
	Used       string
	Referenced string
}

// Snapshot recursively snapshots a jail's datasets. An empty name means the
// current UTC time.
func (m *Manager) Snapshot(ctx context.Context, id, name string) (string, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = m.now().UTC().Format(SnapshotTimeFormat)
	}
	full := res.Dataset + "@" + name
	err = m.ZFS.Snapshot(ctx, res.Dataset, name, true)
	if errors.Is(err, errs.AlreadyExists) {
		return "", errs.Wrap(errs.CodeAlreadyExists, err, "Snapshot: %s already exists!", full)
	}
	if err != nil {
		return "", err
	}
	m.Sink.Info(fmt.Sprintf("Snapshot: %s created.", full))
	return full, nil
}

// Snapshots lists a jail's snapshots oldest first, each followed by the
// matching snapshot of its root dataset.
func (m *Manager) Snapshots(ctx context.Context, id string) ([]SnapshotInfo, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := m.ZFS.ListSnapshots(ctx, res.Dataset, true)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, s := range all {
		have[s] = true
	}

	var names []string
	listed := map[string]bool{}
	for _, s := range all {
		ds, snap, _ := strings.Cut(s, "@")
		if ds != res.Dataset {
			continue
		}
		names = append(names, s)
		if twin := res.RootDataset() + "@" + snap; have[twin] {
			names = append(names, twin)
			listed[twin] = true
		}
	}
	for _, s := range all {
		if ds, _, _ := strings.Cut(s, "@"); ds == res.RootDataset() && !listed[s] {
			names = append(names, s)
		}
	}

	infos := make([]SnapshotInfo, 0, len(names))
	for _, n := range names {
		props, err := m.ZFS.Properties(ctx, n)
		if err != nil {
			return nil, err
		}
		infos = append(infos, SnapshotInfo{
			Name:       n,
			Created:    props["creation"],
			Used:       props["used"],
			Referenced: props["referenced"],
		})
	}
	return infos, nil
}

// RemoveSnapshot destroys name on every dataset of the jail that has it.
func (m *Manager) RemoveSnapshot(ctx context.Context, id, name string) error {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return err
	}
	tree, err := m.ZFS.ListDependents(ctx, res.Dataset, 0)
	if err != nil {
		return err
	}
	found := false
	for i := len(tree) - 1; i >= 0; i-- {
		snap := tree[i] + "@" + name
		ok, err := m.ZFS.Exists(ctx, snap)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		found = true
		if err := m.ZFS.Destroy(ctx, snap, zfs.DestroyOptions{}); err != nil {
			return err
		}
	}
	if !found {
		return errs.New(errs.CodeNotFound, "Snapshot: %s@%s not found!", res.Dataset, name)
	}
	m.Sink.Info(fmt.Sprintf("Snapshot: %s@%s destroyed.", res.Dataset, name))
	return nil
}

// WouldDestroyDataSince describes what rolling back to name throws away.
func (m *Manager) WouldDestroyDataSince(ctx context.Context, id, name string) (string, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	snaps, err := m.ZFS.ListSnapshots(ctx, res.Dataset, false)
	if err != nil {
		return "", err
	}
	target := res.Dataset + "@" + name
	idx := -1
	for i, s := range snaps {
		if s == target {
			idx = i
		}
	}
	if idx < 0 {
		return "", errs.New(errs.CodeNotFound, "Snapshot: %s not found!", target)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "This will destroy ALL data created since %s was taken.", name)
	if later := snaps[idx+1:]; len(later) > 0 {
		fmt.Fprintf(&b, "\nIncluding ALL snapshots taken after %s for %s:", name, res.ID)
		for _, s := range later {
			fmt.Fprintf(&b, "\n  %s", s)
		}
	}
	return b.String(), nil
}

// Rollback rolls every dataset of a stopped jail back to name, destroying
// later snapshots. It stops at the first dataset that fails.
func (m *Manager) Rollback(ctx context.Context, id, name string) error {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return err
	}
	up, err := m.running(ctx, res.ID)
	if err != nil {
		return err
	}
	if up {
		return errs.New(errs.CodeAlreadyRunning, "Please stop %s before trying to rollback!", res.ID)
	}
	ok, err := m.ZFS.Exists(ctx, res.Dataset+"@"+name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.CodeNotFound, "Snapshot: %s@%s not found!", res.Dataset, name)
	}
	tree, err := m.ZFS.ListDependents(ctx, res.Dataset, 0)
	if err != nil {
		return err
	}

	err = m.writable(ctx, res, func() error {
		for _, d := range tree {
			snap := d + "@" + name
			ok, err := m.ZFS.Exists(ctx, snap)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := m.ZFS.Rollback(ctx, snap, true); err != nil {
				return fmt.Errorf("rollback of %s failed: %w", d, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.Sink.Info(fmt.Sprintf("Rolled back to: %s@%s", res.Dataset, name))
	return nil
}
