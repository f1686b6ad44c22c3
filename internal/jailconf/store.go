package jailconf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/zfs"
)

const (
	FileName   = "config.json"
	legacyFile = "config"
	fileMode   = 0o644
)

// Liveness answers whether a jail is running right now.
type Liveness interface {
	State(ctx context.Context, id string) (jail.State, error)
}

type Store struct {
	Pool     pool.Context
	ZFS      zfs.Interface
	Jails    Liveness
	Defaults map[string]string
	Sink     *report.Sink
}

var dateTag = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}@\d{2}:\d{2}:\d{2}(:\d{1,6})?$`)

// Load reads the configuration stored in dir (a jail or template mount
// path), importing legacy formats and running migrations before returning.
// Callers never see a partially migrated document. When a legacy tag
// migration renames the jail, the returned config carries the new id.
func (s *Store) Load(ctx context.Context, dir string) (*Config, error) {
	id := filepath.Base(dir)
	c, imported, err := s.read(ctx, dir)
	if err != nil {
		return nil, err
	}
	c.WithDefaults(s.Defaults)
	if !imported && !NeedsMigration(c) {
		return c, nil
	}

	s.Sink.Info("Migrating configuration", "jail", id, "from", c.Version, "to", CurrentVersion)
	if err := s.checkLineage(c, dir); err != nil {
		return nil, err
	}
	dir, err = s.migrateTag(ctx, dir, c)
	if err != nil {
		return nil, err
	}
	Migrate(c)
	if err := s.Write(ctx, dir, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) read(ctx context.Context, dir string) (*Config, bool, error) {
	id := filepath.Base(dir)
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err == nil {
		var c Config
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, false, errs.Wrap(errs.CodeConfigCorrupt, err,
				"%s has a corrupt configuration, please fix this jail or destroy and recreate it", id)
		}
		return &c, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	c, err := s.importLegacy(ctx, dir)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Write atomically replaces dir/config.json. Templates are readonly, so the
// dataset is made writable for the duration of the write.
func (s *Store) Write(ctx context.Context, dir string, c *Config) error {
	if c.IsTemplate() {
		if ds, ok := s.Pool.DatasetFor(dir); ok && s.ZFS != nil {
			return zfs.WithWritable(ctx, s.ZFS, ds, func() error {
				return WriteFile(filepath.Join(dir, FileName), c)
			})
		}
	}
	return WriteFile(filepath.Join(dir, FileName), c)
}

// WriteFile writes c to path through a temp file in the same directory so a
// crash never leaves a truncated document behind.
func WriteFile(path string, c *Config) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// checkLineage fills cloned_release on documents that predate it: the stored
// release becomes cloned_release and release becomes the userland version
// found in the jail's freebsd-version.
func (s *Store) checkLineage(c *Config, dir string) error {
	release, ok := c.Lookup("release")
	if !ok || release == "" {
		return errs.New(errs.CodeConfigCorrupt, "%s has a corrupt configuration, please destroy the jail.", filepath.Base(dir))
	}
	if _, ok := c.Lookup("cloned_release"); ok {
		return nil
	}

	cloned := "LEGACY_JAIL"
	base, _, _ := strings.Cut(release, "-p")
	switch {
	case len(base) >= 4 && base[3] == '-':
		// 9.3-RELEASE and older have no freebsd-version.
		base = release
	case base == "EMPTY":
	default:
		userland, err := s.userlandVersion(base, dir)
		if err != nil {
			s.Sink.Warn("Could not read userland version", "jail", filepath.Base(dir), "error", err)
			userland = base
		}
		cloned = release
		base = userland
	}
	c.Set("release", base)
	c.Set("cloned_release", cloned)
	return nil
}

func (s *Store) userlandVersion(release, dir string) (string, error) {
	candidates := []string{
		filepath.Join(s.Pool.ReleasePath(release), "bin", "freebsd-version"),
		filepath.Join(dir, "root", "bin", "freebsd-version"),
	}
	for _, path := range candidates {
		v, err := ReadUserland(path)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("freebsd-version could not be found at %s", candidates[len(candidates)-1])
}

// ReadUserland returns USERLAND_VERSION from a freebsd-version script.
func ReadUserland(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "USERLAND_VERSION="); ok {
			return strings.Trim(v, `'"`), nil
		}
	}
	return "", fmt.Errorf("USERLAND_VERSION missing from %s", path)
}

// migrateTag turns a jail that was addressed by uuid plus a "tag" into one
// whose dataset is named after the tag. Date-shaped tags from very old
// releases are not worth a dataset name and are dropped instead.
func (s *Store) migrateTag(ctx context.Context, dir string, c *Config) (string, error) {
	tag, ok := c.Lookup("tag")
	uuid := c.ID()
	if !ok || tag == "" || tag == uuid || uuid == "" {
		return dir, nil
	}
	if filepath.Base(filepath.Dir(dir)) != pool.Jails {
		return dir, nil
	}
	if dateTag.MatchString(tag) {
		c.Set("tag", uuid)
		c.Set("jail_zfs_dataset", "iocage/jails/"+uuid+"/data")
		return dir, nil
	}

	st, err := s.Jails.State(ctx, uuid)
	if err != nil {
		return "", err
	}
	if st.Running {
		return "", errs.New(errs.CodeJailRunningCannotMigrate,
			"%s (%s) is running, all jails must be stopped before zjm will continue migration", uuid, tag)
	}

	oldDS, newDS := s.Pool.Jail(uuid), s.Pool.Jail(tag)
	data := oldDS + "/data"
	hasData, err := s.ZFS.Exists(ctx, data)
	if err != nil {
		return "", err
	}
	if hasData {
		if err := s.ZFS.SetProperty(ctx, data, "jailed", "off"); err != nil {
			return "", err
		}
	}
	if err := s.ZFS.Rename(ctx, oldDS, newDS, true); err != nil {
		return "", fmt.Errorf("cannot rename zfs dataset: %w", err)
	}
	if origin, err := s.ZFS.GetProperty(ctx, newDS+"/root", "origin"); err == nil {
		if _, snap, ok := zfs.SnapshotName(origin); ok && snap == uuid {
			if err := s.ZFS.RenameSnapshot(ctx, origin, tag, false); err != nil {
				s.Sink.Warn("Failed to rename origin snapshot", "snapshot", origin, "error", err)
			}
		}
	}
	if hasData {
		if err := s.ZFS.SetProperty(ctx, newDS+"/data", "jailed", "on"); err != nil {
			return "", err
		}
	}

	newDir := s.Pool.JailPath(tag)
	if err := replaceInFile(filepath.Join(newDir, "root", "etc", "rc.conf"),
		`hostname="`+uuid+`"`, `hostname="`+tag+`"`); err != nil {
		s.Sink.Warn("Failed to update rc.conf hostname", "jail", tag, "error", err)
	}
	if err := replaceInFile(filepath.Join(newDir, "fstab"), uuid, tag); err != nil {
		s.Sink.Warn("Failed to update fstab", "jail", tag, "error", err)
	}

	c.Set("host_hostuuid", tag)
	if c.Hostname() == uuid {
		c.Set("host_hostname", tag)
	}
	c.Set("jail_zfs_dataset", "iocage/jails/"+tag+"/data")
	s.Sink.Warn(fmt.Sprintf("Jail: %s was renamed to %s", uuid, tag))
	return newDir, nil
}

func replaceInFile(path, from, to string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	replaced := strings.ReplaceAll(string(data), from, to)
	if replaced == string(data) {
		return nil
	}
	return os.WriteFile(path, []byte(replaced), fileMode)
}

// importLegacy builds a config from the UCL-style "config" file of early
// releases, or from org.freebsd.iocage:* dataset properties before that.
func (s *Store) importLegacy(ctx context.Context, dir string) (*Config, error) {
	id := filepath.Base(dir)
	if data, err := os.ReadFile(filepath.Join(dir, legacyFile)); err == nil {
		c := New(ParseUCL(data))
		c.Version = 1
		s.Sink.Info("Converting legacy configuration", "jail", id, "source", "ucl")
		return c, nil
	}

	ds, ok := s.Pool.DatasetFor(dir)
	if !ok || s.ZFS == nil {
		return nil, errs.New(errs.CodeConfigCorrupt, "%s is missing its configuration, please destroy this jail and recreate it.", id)
	}
	props, err := s.ZFS.Properties(ctx, ds)
	if err != nil {
		return nil, err
	}
	legacy := FromZFSProperties(props)
	if _, ok := legacy["host_hostuuid"]; !ok {
		return nil, errs.New(errs.CodeConfigCorrupt, "%s is missing its configuration, please destroy this jail and recreate it.", id)
	}
	legacy["jail_zfs_dataset"] = "iocage/jails/" + legacy["host_hostuuid"] + "/data"
	c := New(legacy)
	c.Version = 1
	s.Sink.Info("Converting legacy configuration", "jail", id, "source", "zfs")
	return c, nil
}

// ParseUCL reads `key = "value";` lines.
func ParseUCL(data []byte) map[string]string {
	res := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		value = strings.ReplaceAll(value, ";", "")
		value = strings.ReplaceAll(value, `"`, "")
		res[key] = strings.TrimSpace(value)
	}
	return res
}

// FromZFSProperties extracts org.freebsd.iocage:* user properties.
func FromZFSProperties(props map[string]string) map[string]string {
	res := map[string]string{"host_domainname": "none"}
	hostname := props[zfs.LegacyPropertyPrefix+"host_hostname"]
	uuid := props[zfs.LegacyPropertyPrefix+"host_hostuuid"]
	for k, v := range props {
		key, ok := strings.CutPrefix(k, zfs.LegacyPropertyPrefix)
		if !ok {
			continue
		}
		switch key {
		case "type":
			if v == "basejail" {
				v = "jail"
				res["basejail"] = "yes"
			}
		case "hostname":
			// Old releases had two hostname keys; honour the one the user
			// actually changed.
			if v != hostname && hostname == uuid {
				res["host_hostname"] = v
			}
			continue
		}
		if _, set := res[key]; set && key == "host_hostname" {
			continue
		}
		res[key] = v
	}
	return res
}
