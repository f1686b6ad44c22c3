// Package pool resolves the zpool that holds the iocage tree and exposes the
// canonical dataset names and mount paths below it. A Context is resolved
// once per invocation and passed to every component.
package pool

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"zjm/internal/errs"
	"zjm/internal/lock"
	"zjm/internal/report"
	"zjm/internal/zfs"
)

const (
	Jails     = "jails"
	Templates = "templates"
	Releases  = "releases"
	Download  = "download"
	Images    = "images"
	Log       = "log"
)

// Layout lists the datasets below <pool>/iocage, in creation order.
var Layout = []string{Download, Images, Jails, Log, Releases, Templates}

type Context struct {
	// Name is the zpool name.
	Name string
	// Root is the mountpoint of <pool>/iocage.
	Root string
}

func (c Context) Dataset() string {
	return c.Name + "/iocage"
}

func (c Context) CategoryDataset(category string) string {
	return path.Join(c.Dataset(), category)
}

func (c Context) CategoryPath(category string) string {
	return filepath.Join(c.Root, category)
}

func (c Context) Jail(id string) string {
	return c.CategoryDataset(Jails) + "/" + id
}

func (c Context) JailRoot(id string) string {
	return c.Jail(id) + "/root"
}

func (c Context) Template(id string) string {
	return c.CategoryDataset(Templates) + "/" + id
}

func (c Context) TemplateRoot(id string) string {
	return c.Template(id) + "/root"
}

func (c Context) Release(r string) string {
	return c.CategoryDataset(Releases) + "/" + r
}

func (c Context) ReleaseRoot(r string) string {
	return c.Release(r) + "/root"
}

func (c Context) DownloadDataset(r string) string {
	return c.CategoryDataset(Download) + "/" + r
}

func (c Context) JailPath(id string) string {
	return filepath.Join(c.Root, Jails, id)
}

func (c Context) TemplatePath(id string) string {
	return filepath.Join(c.Root, Templates, id)
}

func (c Context) ReleasePath(r string) string {
	return filepath.Join(c.Root, Releases, r, "root")
}

func (c Context) ImagesPath() string {
	return filepath.Join(c.Root, Images)
}

func (c Context) LogPath() string {
	return filepath.Join(c.Root, Log)
}

func (c Context) ConsoleLog(id string) string {
	return filepath.Join(c.LogPath(), id+"-console.log")
}

// MountPath maps a dataset below <pool>/iocage to its mount path.
func (c Context) MountPath(dataset string) (string, bool) {
	rel, ok := strings.CutPrefix(dataset, c.Dataset())
	if !ok {
		return "", false
	}
	return filepath.Join(c.Root, filepath.FromSlash(strings.TrimPrefix(rel, "/"))), true
}

// ResolveName returns the configured pool or the single pool carrying the
// activation property. Pools marked with the legacy comment=iocage are
// migrated to the property on the way.
func ResolveName(ctx context.Context, z zfs.Interface, configured string, sink *report.Sink) (string, error) {
	if configured != "" {
		ok, err := z.Exists(ctx, configured)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errs.New(errs.CodeNotFound, "pool %s not found!", configured)
		}
		return configured, nil
	}

	pools, err := z.Pools(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list pools: %w", err)
	}

	var active, legacy []string
	for _, p := range pools {
		props, err := z.Properties(ctx, p)
		if err != nil {
			return "", err
		}
		switch {
		case props[zfs.ActiveProperty] == "yes":
			active = append(active, p)
		case props["comment"] == "iocage":
			legacy = append(legacy, p)
		}
	}

	found := append(active, legacy...)
	switch len(found) {
	case 0:
		return "", errs.New(errs.CodeNotFound, "no pool is activated, run \"zjm activate POOL\"")
	case 1:
	default:
		return "", errs.New(errs.CodeCommandFailed,
			"you have %d pools marked active (%s), run \"zjm activate POOL\" on the preferred pool",
			len(found), strings.Join(found, ", "))
	}

	if len(legacy) == 1 {
		sink.Info("Migrating legacy pool activation", "pool", legacy[0])
		if err := Activate(ctx, z, legacy[0]); err != nil {
			return "", err
		}
	}
	return found[0], nil
}

// Activate marks pool active and every other pool inactive.
func Activate(ctx context.Context, z zfs.Interface, pool string) error {
	pools, err := z.Pools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pools: %w", err)
	}
	known := false
	for _, p := range pools {
		if p == pool {
			known = true
			continue
		}
		v, err := z.GetProperty(ctx, p, zfs.ActiveProperty)
		if err != nil {
			return err
		}
		if v == "yes" {
			if err := z.SetProperty(ctx, p, zfs.ActiveProperty, "no"); err != nil {
				return fmt.Errorf("failed to deactivate %s: %w", p, err)
			}
		}
	}
	if !known {
		return errs.New(errs.CodeNotFound, "pool %s not found!", pool)
	}
	if err := z.SetProperty(ctx, pool, zfs.ActiveProperty, "yes"); err != nil {
		return fmt.Errorf("failed to activate %s: %w", pool, err)
	}
	if c, err := z.GetProperty(ctx, pool, "comment"); err == nil && c == "iocage" {
		return z.SetProperty(ctx, pool, "comment", zfs.NoValue)
	}
	return nil
}

// EnsureLayout creates any missing dataset of the iocage tree. Creation is
// serialized through the lock file so concurrent first runs do not race.
func EnsureLayout(ctx context.Context, z zfs.Interface, pool, lockPath string, sink *report.Sink) error {
	release, err := lock.Acquire(ctx, lockPath, "datasets")
	if err != nil {
		return fmt.Errorf("failed to lock dataset creation: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			sink.Warn("Failed to release lock", "path", lockPath, "error", err)
		}
	}()

	root := pool + "/iocage"
	names := []string{root}
	for _, c := range Layout {
		names = append(names, root+"/"+c)
	}

	for _, name := range names {
		ok, err := z.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			sink.Info("Creating " + name)
			props := map[string]string{
				"compression": "lz4",
				"aclmode":     "passthrough",
				"aclinherit":  "passthrough",
			}
			if name == root {
				props["mountpoint"] = "/" + pool + "/iocage"
			}
			if err := z.Create(ctx, name, props); err != nil {
				return fmt.Errorf("failed to create %s: %w", name, err)
			}
		}
		if v, err := z.GetProperty(ctx, name, "exec"); err == nil && v == "off" {
			return errs.New(errs.CodeCommandFailed, "dataset %q has exec=off (should be on)", name)
		}
	}
	return nil
}

// Open resolves the pool, ensures its layout and reads the iocage mountpoint.
func Open(ctx context.Context, z zfs.Interface, configured, lockPath string, sink *report.Sink) (Context, error) {
	name, err := ResolveName(ctx, z, configured, sink)
	if err != nil {
		return Context{}, err
	}
	if err := EnsureLayout(ctx, z, name, lockPath, sink); err != nil {
		return Context{}, err
	}
	mount, err := z.GetProperty(ctx, name+"/iocage", "mountpoint")
	if err != nil {
		return Context{}, err
	}
	if mount == "none" || mount == zfs.NoValue {
		return Context{}, errs.New(errs.CodeConfigCorrupt, "please set a mountpoint on %s/iocage", name)
	}
	return Context{Name: name, Root: mount}, nil
}

// DatasetFor maps a path below Root back to its dataset name.
func (c Context) DatasetFor(p string) (string, bool) {
	rel, err := filepath.Rel(c.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if rel == "." {
		return c.Dataset(), true
	}
	return c.Dataset() + "/" + filepath.ToSlash(rel), true
}
