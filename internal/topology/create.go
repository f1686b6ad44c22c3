package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"zjm/internal/errs"
	"zjm/internal/fstab"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/zfs"
)

type CreateOptions struct {
	// Props are user settings, validated before anything is created.
	Props map[string]string
	// Basejail mounts the base directories of the release read-only
	// instead of keeping a copy in the jail.
	Basejail bool
}

// settings are validated create properties split by where they are stored.
type settings struct {
	config   map[string]string
	dataset  map[string]string
	template bool
}

func prepare(props map[string]string) (settings, error) {
	s := settings{config: map[string]string{}, dataset: map[string]string{}}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := jailconf.Validate(k, props[k], jailconf.ModeUser)
		if err != nil {
			return settings{}, err
		}
		switch {
		case k == "template":
			s.template = v == "yes"
		case jailconf.IsZFSProperty(k):
			s.dataset[k] = v
		default:
			s.config[k] = v
		}
	}
	return s, nil
}

func identity(id string) map[string]string {
	return map[string]string{
		"host_hostname":       id,
		"host_hostuuid":       id,
		"hostid_strict_check": "off",
		"jail_zfs_dataset":    "iocage/jails/" + id + "/data",
		"depends":             "none",
		"vnet_interfaces":     "none",
	}
}

// userland returns the version a release's userland reports. Releases up to
// 9.3 predate freebsd-version and are taken by name.
func (m *Manager) userland(rel string) string {
	if len(rel) >= 4 && rel[3] == '-' {
		return rel
	}
	v, err := jailconf.ReadUserland(filepath.Join(m.Pool.ReleasePath(rel), "bin", "freebsd-version"))
	if err != nil {
		m.Sink.Warn("Could not read userland version", "release", rel, "error", err)
		return rel
	}
	return v
}

// CreateFromRelease clones a new jail from the root of a fetched release.
func (m *Manager) CreateFromRelease(ctx context.Context, rel, id string, opts CreateOptions) (Resource, error) {
	s, err := prepare(opts.Props)
	if err != nil {
		return Resource{}, err
	}
	if err := m.checkNew(ctx, id); err != nil {
		return Resource{}, err
	}
	relRoot, err := m.Releases.Ensure(ctx, rel)
	if err != nil {
		return Resource{}, err
	}
	userland := m.userland(rel)

	res := m.resource(id, pool.Jails)
	var snaps []string
	err = func() error {
		if err := m.snapshotOrigin(ctx, relRoot, id); err != nil {
			return err
		}
		snaps = append(snaps, relRoot+"@"+id)
		if err := interrupted(ctx); err != nil {
			return err
		}
		if err := m.ZFS.Clone(ctx, relRoot+"@"+id, res.RootDataset(), nil); err != nil {
			return err
		}
		if err := interrupted(ctx); err != nil {
			return err
		}

		cfg := jailconf.New(identity(id))
		cfg.Set("release", userland)
		cfg.Set("cloned_release", rel)
		var entries []fstab.Entry
		if opts.Basejail {
			cfg.Set("basejail", "yes")
			entries = fstab.Basejail(rel, m.Pool.ReleasePath(rel), res.RootPath())
		}
		return m.populate(ctx, res, cfg, s, entries)
	}()
	if err != nil {
		return Resource{}, m.abort(ctx, res, snaps, err)
	}
	m.Sink.Info(fmt.Sprintf("%s successfully created!", id))
	return m.finishCreate(ctx, res, s)
}

// CreateFromTemplate clones a new jail from a template. The template is
// writable only while the new jail is being populated.
func (m *Manager) CreateFromTemplate(ctx context.Context, templateID, id string, opts CreateOptions) (Resource, error) {
	s, err := prepare(opts.Props)
	if err != nil {
		return Resource{}, err
	}
	if err := m.checkNew(ctx, id); err != nil {
		return Resource{}, err
	}
	tmpl := m.resource(templateID, pool.Templates)
	ok, err := m.ZFS.Exists(ctx, tmpl.RootDataset())
	if err != nil {
		return Resource{}, err
	}
	if !ok {
		return Resource{}, errs.New(errs.CodeNotFound, "Template: %s not found!", templateID)
	}
	tcfg, err := m.Store.Load(ctx, tmpl.Path)
	if err != nil {
		return Resource{}, err
	}

	res := m.resource(id, pool.Jails)
	var snaps []string
	err = zfs.WithWritable(ctx, m.ZFS, tmpl.Dataset, func() error {
		if err := m.snapshotOrigin(ctx, tmpl.RootDataset(), id); err != nil {
			return err
		}
		snaps = append(snaps, tmpl.RootDataset()+"@"+id)
		if err := interrupted(ctx); err != nil {
			return err
		}
		if err := m.ZFS.Clone(ctx, tmpl.RootDataset()+"@"+id, res.RootDataset(), nil); err != nil {
			return err
		}
		if err := interrupted(ctx); err != nil {
			return err
		}

		cfg := jailconf.New(identity(id))
		cfg.Set("release", tcfg.Release())
		cfg.Set("cloned_release", tcfg.ClonedRelease())
		cfg.Set("source_template", templateID)
		return m.populate(ctx, res, cfg, s, nil)
	})
	if err != nil {
		return Resource{}, m.abort(ctx, res, snaps, err)
	}
	m.Sink.Info(fmt.Sprintf("%s successfully created!", id))
	return m.finishCreate(ctx, res, s)
}

// CloneNames returns the ids CloneFromJail creates for newID and count.
func CloneNames(newID string, count int) []string {
	if count <= 1 {
		return []string{newID}
	}
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%d", newID, i+1)
	}
	return names
}

// CloneFromJail clones the jail dataset and root of source count times. Each
// clone either completes or is destroyed again; clones made before a
// failure are kept and returned along with the error.
func (m *Manager) CloneFromJail(ctx context.Context, source, newID string, count int, opts CreateOptions) ([]Resource, error) {
	src, err := m.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	if src.IsTemplate() {
		return nil, errs.New(errs.CodeUnsupportedJailType, "You cannot clone a template, use create -t instead.")
	}
	s, err := prepare(opts.Props)
	if err != nil {
		return nil, err
	}
	scfg, err := m.Store.Load(ctx, src.Path)
	if err != nil {
		return nil, err
	}

	var created []Resource
	for _, id := range CloneNames(newID, count) {
		res, err := m.cloneOne(ctx, src, scfg, id, s)
		if err != nil {
			return created, err
		}
		m.Sink.Info(fmt.Sprintf("%s successfully cloned!", id))
		created = append(created, res)
	}
	return created, nil
}

func (m *Manager) cloneOne(ctx context.Context, src Resource, scfg *jailconf.Config, id string, s settings) (Resource, error) {
	if err := m.checkNew(ctx, id); err != nil {
		return Resource{}, err
	}

	res := m.resource(id, pool.Jails)
	var snaps []string
	err := func() error {
		// Only the jail dataset and its root are cloned. Other children, such
		// as a delegated data dataset, get no origin snapshot.
		for _, ds := range []string{src.Dataset, src.RootDataset()} {
			if err := m.snapshotOrigin(ctx, ds, id); err != nil {
				return err
			}
			snaps = append(snaps, ds+"@"+id)
		}
		if err := interrupted(ctx); err != nil {
			return err
		}
		if err := m.ZFS.Clone(ctx, src.Dataset+"@"+id, res.Dataset, nil); err != nil {
			return err
		}
		if err := m.ZFS.Clone(ctx, src.RootDataset()+"@"+id, res.RootDataset(), nil); err != nil {
			return err
		}
		if err := interrupted(ctx); err != nil {
			return err
		}

		cfg := scfg.Clone()
		for _, k := range cfg.Keys() {
			v, _ := cfg.Lookup(k)
			if strings.Contains(k, "_mac") {
				// Clones get their own MAC addresses on first start.
				v = "none"
			}
			cfg.Set(k, strings.ReplaceAll(v, src.ID, id))
		}
		for k, v := range s.config {
			cfg.Set(k, v)
		}
		if err := fstab.Substitute(filepath.Join(res.Path, fstab.FileName), src.ID, id); err != nil {
			return err
		}
		if err := substituteFile(filepath.Join(res.RootPath(), "etc", "hosts"), src.ID, id); err != nil {
			return err
		}
		return m.populateConfig(ctx, res, cfg, s)
	}()
	if err != nil {
		return Resource{}, m.abort(ctx, res, snaps, err)
	}
	return m.finishCreate(ctx, res, s)
}

// snapshotOrigin takes the snapshot a new jail is cloned from.
func (m *Manager) snapshotOrigin(ctx context.Context, dataset, id string) error {
	err := m.ZFS.Snapshot(ctx, dataset, id, false)
	if errors.Is(err, errs.AlreadyExists) {
		snap := dataset + "@" + id
		return errs.Wrap(errs.CodeAlreadyExists, err,
			"Snapshot: %s exists!\nPlease manually run zfs destroy %s if you wish to destroy it.", snap, snap)
	}
	return err
}

// populate writes the files of a freshly cloned jail: fstab, hosts, rc.conf
// and finally config.json.
func (m *Manager) populate(ctx context.Context, res Resource, cfg *jailconf.Config, s settings, entries []fstab.Entry) error {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := os.RemoveAll(e.Dest); err != nil {
			return err
		}
		if err := os.MkdirAll(e.Dest, 0o755); err != nil {
			return err
		}
		lines = append(lines, fstab.Stamp(e, m.now()))
	}
	if err := fstab.WriteLines(filepath.Join(res.Path, fstab.FileName), lines); err != nil {
		return err
	}

	for k, v := range s.config {
		cfg.Set(k, v)
	}
	if err := writeHosts(filepath.Join(res.RootPath(), "etc", "hosts"), cfg); err != nil {
		return err
	}
	return m.populateConfig(ctx, res, cfg, s)
}

func (m *Manager) populateConfig(ctx context.Context, res Resource, cfg *jailconf.Config, s settings) error {
	if err := writeRCConf(filepath.Join(res.RootPath(), "etc", "rc.conf"), cfg.Hostname()); err != nil {
		return err
	}
	keys := make([]string, 0, len(s.dataset))
	for k := range s.dataset {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.ZFS.SetProperty(ctx, res.Dataset, k, s.dataset[k]); err != nil {
			return err
		}
	}
	if err := interrupted(ctx); err != nil {
		return err
	}
	return m.Store.Write(ctx, res.Path, cfg)
}

func (m *Manager) finishCreate(ctx context.Context, res Resource, s settings) (Resource, error) {
	if !s.template {
		return res, nil
	}
	return m.ConvertToTemplate(ctx, res.ID)
}

func interrupted(ctx context.Context) error {
	return ctx.Err()
}

// abort destroys what a failed create left behind. When the failure was a
// cancelled context the result is errs.Interrupted.
func (m *Manager) abort(ctx context.Context, res Resource, snaps []string, cause error) error {
	clean := context.WithoutCancel(ctx)
	if ok, err := m.ZFS.Exists(clean, res.Dataset); err == nil && ok {
		if err := m.ZFS.Destroy(clean, res.Dataset, zfs.DestroyOptions{Recursive: true, Force: true}); err != nil {
			m.Sink.Warn("Failed to destroy partial jail", "dataset", res.Dataset, "error", err)
		}
	}
	for _, snap := range snaps {
		if ok, err := m.ZFS.Exists(clean, snap); err != nil || !ok {
			continue
		}
		if err := m.ZFS.Destroy(clean, snap, zfs.DestroyOptions{}); err != nil {
			m.Sink.Warn("Failed to destroy snapshot", "snapshot", snap, "error", err)
		}
	}
	if err := os.RemoveAll(res.Path); err != nil {
		m.Sink.Debug("Failed to remove jail directory", "path", res.Path, "error", err)
	}
	if ctx.Err() != nil {
		return errs.Wrap(errs.CodeInterrupted, ctx.Err(), "Interrupt detected, destroyed %s.", res.ID)
	}
	return cause
}
