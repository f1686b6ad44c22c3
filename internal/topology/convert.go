package topology

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"zjm/internal/errs"
	"zjm/internal/fstab"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/zfs"
)

// ConvertToTemplate moves a stopped jail under templates/ and makes it
// readonly. Jails other datasets were cloned from cannot be converted.
func (m *Manager) ConvertToTemplate(ctx context.Context, id string) (Resource, error) {
	return m.convert(ctx, id, pool.Templates)
}

// ConvertToJail turns a template back into a writable jail.
func (m *Manager) ConvertToJail(ctx context.Context, id string) (Resource, error) {
	return m.convert(ctx, id, pool.Jails)
}

func (m *Manager) convert(ctx context.Context, id, to string) (Resource, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	if res.Category == to {
		return res, nil
	}
	if err := m.refuseRunning(ctx, res, errs.CodeCannotConvertWhileRunning); err != nil {
		return Resource{}, err
	}
	tree, err := m.ZFS.ListDependents(ctx, res.Dataset, 0)
	if err != nil {
		return Resource{}, err
	}
	clones, err := m.clonesOf(ctx, tree)
	if err != nil {
		return Resource{}, err
	}
	if len(clones) > 0 {
		return Resource{}, errs.New(errs.CodeCannotConvertWhileCloned,
			"%s has clones: %s\nPlease destroy them first!", res.ID, strings.Join(resourceIDs(m.dependentJails(clones)), ", "))
	}

	cfg, err := m.Store.Load(ctx, res.Path)
	if err != nil {
		return Resource{}, err
	}
	if err := m.unjailData(ctx, cfg); err != nil {
		return Resource{}, err
	}

	dst := m.resource(res.ID, to)
	if res.IsTemplate() {
		if err := m.ZFS.SetProperty(ctx, res.Dataset, "readonly", "off"); err != nil {
			return Resource{}, err
		}
	}
	if err := m.ZFS.Rename(ctx, res.Dataset, dst.Dataset, true); err != nil {
		return Resource{}, err
	}
	if err := fstab.Substitute(filepath.Join(dst.Path, fstab.FileName), res.Path+"/", dst.Path+"/"); err != nil {
		return Resource{}, err
	}

	if dst.IsTemplate() {
		cfg.Set("template", "yes")
	} else {
		cfg.Set("template", "no")
	}
	if err := jailconf.WriteFile(filepath.Join(dst.Path, jailconf.FileName), cfg); err != nil {
		return Resource{}, err
	}
	if dst.IsTemplate() {
		if err := m.ZFS.SetProperty(ctx, dst.Dataset, "readonly", "on"); err != nil {
			return Resource{}, err
		}
		m.Sink.Info(fmt.Sprintf("%s converted to a template.", res.ID))
	} else {
		m.Sink.Info(fmt.Sprintf("%s converted to a jail.", res.ID))
	}
	return dst, nil
}

func (m *Manager) refuseRunning(ctx context.Context, res Resource, code errs.Code) error {
	up, err := m.running(ctx, res.ID)
	if err != nil {
		return err
	}
	if up {
		return errs.New(code, "%s is running.\nPlease stop it first!", res.ID)
	}
	return nil
}

// unjailData clears jailed on the jail's delegated dataset so it can be
// renamed along with the jail.
func (m *Manager) unjailData(ctx context.Context, cfg *jailconf.Config) error {
	rel := cfg.Get("jail_zfs_dataset")
	if rel == "" || rel == "none" {
		return nil
	}
	ds := m.Pool.Name + "/" + rel
	ok, err := m.ZFS.Exists(ctx, ds)
	if err != nil || !ok {
		return err
	}
	return m.ZFS.SetProperty(ctx, ds, "jailed", "off")
}

// Rename gives a stopped jail or template a new id, moving its datasets and
// every file that records the old one.
func (m *Manager) Rename(ctx context.Context, id, newID string) (Resource, error) {
	res, err := m.Resolve(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	if err := m.checkNew(ctx, newID); err != nil {
		return Resource{}, err
	}
	up, err := m.running(ctx, res.ID)
	if err != nil {
		return Resource{}, err
	}
	if up {
		return Resource{}, errs.New(errs.CodeAlreadyRunning, "%s is running, please stop it first!", res.ID)
	}
	cfg, err := m.Store.Load(ctx, res.Path)
	if err != nil {
		return Resource{}, err
	}
	if err := m.unjailData(ctx, cfg); err != nil {
		return Resource{}, err
	}

	// The origin snapshots were named after the jail.
	for _, ds := range []string{res.Dataset, res.RootDataset()} {
		origin, err := m.ZFS.GetProperty(ctx, ds, "origin")
		if err != nil {
			return Resource{}, err
		}
		if _, snap, ok := strings.Cut(origin, "@"); ok && snap == res.ID {
			if err := m.ZFS.RenameSnapshot(ctx, origin, newID, false); err != nil {
				return Resource{}, err
			}
		}
	}

	dst := m.resource(newID, res.Category)
	if err := m.moveDataset(ctx, res, dst); err != nil {
		return Resource{}, err
	}

	cfg.Set("host_hostuuid", newID)
	if cfg.Hostname() == res.ID {
		cfg.Set("host_hostname", newID)
	}
	if cfg.Get("jail_zfs_dataset") == "iocage/jails/"+res.ID+"/data" {
		cfg.Set("jail_zfs_dataset", "iocage/jails/"+newID+"/data")
	}
	err = m.Store.Write(ctx, dst.Path, cfg)
	if err == nil {
		err = m.writable(ctx, dst, func() error {
			if err := fstab.Substitute(filepath.Join(dst.Path, fstab.FileName), res.Path+"/", dst.Path+"/"); err != nil {
				return err
			}
			return writeRCConf(filepath.Join(dst.RootPath(), "etc", "rc.conf"), cfg.Hostname())
		})
	}
	if err != nil {
		return Resource{}, err
	}

	if dst.IsTemplate() {
		if err := m.retarget(ctx, res.ID, newID); err != nil {
			return Resource{}, err
		}
	}
	m.Sink.Info(fmt.Sprintf("Jail: %s renamed to %s", res.ID, newID))
	return dst, nil
}

// moveDataset renames res to dst. A readonly template is readonly again
// under its new name.
func (m *Manager) moveDataset(ctx context.Context, res, dst Resource) error {
	ro := zfs.NoValue
	if res.IsTemplate() {
		v, err := m.ZFS.GetProperty(ctx, res.Dataset, "readonly")
		if err != nil {
			return err
		}
		ro = v
	}
	if ro == "on" {
		if err := m.ZFS.SetProperty(ctx, res.Dataset, "readonly", "off"); err != nil {
			return err
		}
	}
	if err := m.ZFS.Rename(ctx, res.Dataset, dst.Dataset, true); err != nil {
		if ro == "on" {
			if rerr := m.ZFS.SetProperty(context.WithoutCancel(ctx), res.Dataset, "readonly", "on"); rerr != nil {
				m.Sink.Warn("Failed to restore readonly", "dataset", res.Dataset, "error", rerr)
			}
		}
		return err
	}
	if ro == "on" {
		return m.ZFS.SetProperty(context.WithoutCancel(ctx), dst.Dataset, "readonly", "on")
	}
	return nil
}

// writable runs fn with a template's dataset writable.
func (m *Manager) writable(ctx context.Context, res Resource, fn func() error) error {
	if !res.IsTemplate() {
		return fn()
	}
	return zfs.WithWritable(ctx, m.ZFS, res.Dataset, fn)
}

// retarget points jails created from template oldID at newID.
func (m *Manager) retarget(ctx context.Context, oldID, newID string) error {
	jails, err := m.ids(ctx, pool.Jails)
	if err != nil {
		return err
	}
	for _, id := range jails {
		r := m.resource(id, pool.Jails)
		cfg, err := m.Store.Load(ctx, r.Path)
		if err != nil {
			m.Sink.Warn("Skipping jail with unreadable configuration", "jail", id, "error", err)
			continue
		}
		if cfg.SourceTemplate() != oldID {
			continue
		}
		cfg.Set("source_template", newID)
		if err := m.Store.Write(ctx, r.Path, cfg); err != nil {
			return err
		}
	}
	return nil
}
