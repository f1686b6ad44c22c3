package jailconf

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/zfs"
	"zjm/internal/zfs/zfstest"
)

type fakeLiveness map[string]bool

func (f fakeLiveness) State(_ context.Context, id string) (jail.State, error) {
	if f[id] {
		return jail.State{Running: true, JID: 1}, nil
	}
	return jail.State{}, nil
}

type fixture struct {
	store *Store
	z     *zfstest.Pool
	pc    pool.Context
	live  fakeLiveness
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	z := zfstest.New(dir, "tank")
	for _, c := range pool.Layout {
		require.NoError(t, z.Create(ctx, "tank/iocage/"+c, nil))
	}
	pc := pool.Context{Name: "tank", Root: filepath.Join(dir, "tank", "iocage")}
	live := fakeLiveness{}
	return &fixture{
		store: &Store{
			Pool:     pc,
			ZFS:      z,
			Jails:    live,
			Defaults: Defaults(Host{HostID: "host", MACPrefix: "02ff60"}),
			Sink:     report.Discard(),
		},
		z:    z,
		pc:   pc,
		live: live,
	}
}

func (f *fixture) jail(t *testing.T, id string) string {
	t.Helper()
	require.NoError(t, f.z.Create(context.Background(), f.pc.JailRoot(id), nil))
	return f.pc.JailPath(id)
}

func writeJSON(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWriteLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	dir := f.jail(t, "web")

	props := Defaults(Host{HostID: "host", MACPrefix: "02ff60"})
	props["host_hostuuid"] = "web"
	props["host_hostname"] = "web"
	props["release"] = "13.2-RELEASE-p4"
	props["cloned_release"] = "13.2-RELEASE"
	props["notes"] = `quotes " and <tags> & ünicode`
	c := New(props)

	require.NoError(t, f.store.Write(context.Background(), dir, c))
	loaded, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, c.Equal(loaded))

	info, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".config.json-", "temp file left behind")
	}
}

func TestLoadThinConfigIsNotRewritten(t *testing.T) {
	f := newFixture(t)
	dir := f.jail(t, "thin")
	writeJSON(t, filepath.Join(dir, FileName), map[string]any{"host_hostuuid": "thin", "boot": "on"})
	before, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	c, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, c.Boot())
	assert.Equal(t, "99", c.Get("priority"))

	after, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadCorrupt(t *testing.T) {
	f := newFixture(t)

	t.Run("bad json", func(t *testing.T) {
		dir := f.jail(t, "bad")
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{nope"), 0o644))
		_, err := f.store.Load(context.Background(), dir)
		assert.ErrorIs(t, err, errs.ConfigCorrupt)
	})

	t.Run("missing", func(t *testing.T) {
		dir := f.jail(t, "empty")
		_, err := f.store.Load(context.Background(), dir)
		assert.ErrorIs(t, err, errs.ConfigCorrupt)
		assert.ErrorContains(t, err, "missing its configuration")
	})

	t.Run("no release", func(t *testing.T) {
		dir := f.jail(t, "norelease")
		writeJSON(t, filepath.Join(dir, FileName), map[string]any{"CONFIG_VERSION": 10, "host_hostuuid": "norelease"})
		_, err := f.store.Load(context.Background(), dir)
		assert.ErrorIs(t, err, errs.ConfigCorrupt)
		assert.ErrorContains(t, err, "please destroy the jail")
	})
}

func TestLoadMigratesAndPersists(t *testing.T) {
	f := newFixture(t)
	dir := f.jail(t, "old")
	relBin := filepath.Join(f.pc.ReleasePath("13.2-RELEASE"), "bin")
	require.NoError(t, os.MkdirAll(relBin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(relBin, "freebsd-version"),
		[]byte("#!/bin/sh\nUSERLAND_VERSION=\"13.2-RELEASE-p4\"\n"), 0o755))

	writeJSON(t, filepath.Join(dir, FileName), map[string]any{
		"CONFIG_VERSION": "9",
		"host_hostuuid":  "old",
		"release":        "13.2-RELEASE",
		"my_plugin_key":  "kept",
	})

	c, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, c.Version)
	assert.Equal(t, "13.2-RELEASE-p4", c.Release())
	assert.Equal(t, "13.2-RELEASE", c.ClonedRelease())
	assert.Equal(t, "kept", c.Get("my_plugin_key"))

	var onDisk Config
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.True(t, c.Equal(&onDisk))

	again, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, c.Equal(again))
}

func TestLoadLegacyUCL(t *testing.T) {
	f := newFixture(t)
	dir := f.jail(t, "ucl")
	ucl := "host_hostuuid = \"ucl\";\nrelease = \"9.3-RELEASE\";\nboot = \"on\";\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(ucl), 0o644))

	c, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, c.Boot())
	assert.Equal(t, "9.3-RELEASE", c.Release())
	assert.Equal(t, "LEGACY_JAIL", c.ClonedRelease())
	assert.FileExists(t, filepath.Join(dir, FileName))
}

func TestLoadLegacyZFSProperties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := f.jail(t, "zprops")
	ds := f.pc.Jail("zprops")
	for k, v := range map[string]string{
		"host_hostuuid": "zprops",
		"host_hostname": "zprops",
		"hostname":      "renamed",
		"type":          "basejail",
		"release":       "EMPTY",
	} {
		require.NoError(t, f.z.SetProperty(ctx, ds, zfs.LegacyPropertyPrefix+k, v))
	}

	c, err := f.store.Load(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "jail", c.Get("type"))
	assert.True(t, c.IsBasejail())
	assert.Equal(t, "renamed", c.Hostname())
	assert.Equal(t, "iocage/jails/zprops/data", c.Get("jail_zfs_dataset"))
	assert.Equal(t, "LEGACY_JAIL", c.ClonedRelease())
}

func TestParseUCL(t *testing.T) {
	got := ParseUCL([]byte("# comment = \"x\";\nip4_addr = \"em0|10.0.0.5/24\";\nbad line\n"))
	assert.Equal(t, map[string]string{"ip4_addr": "em0|10.0.0.5/24"}, got)
}

func tagFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t)
	uuid := "0b3e7f8a-1c2d-4e5f-8a9b-0c1d2e3f4a5b"
	require.NoError(t, f.z.Create(ctx, f.pc.ReleaseRoot("13.2-RELEASE"), nil))
	require.NoError(t, f.z.Snapshot(ctx, f.pc.ReleaseRoot("13.2-RELEASE"), uuid, false))
	require.NoError(t, f.z.Clone(ctx, f.pc.ReleaseRoot("13.2-RELEASE")+"@"+uuid, f.pc.JailRoot(uuid), nil))
	dir := f.pc.JailPath(uuid)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fstab"),
		[]byte("/src\t"+dir+"/root/mnt\tnullfs\tro\t0\t0\n"), 0o644))
	writeJSON(t, filepath.Join(dir, FileName), map[string]any{
		"CONFIG_VERSION": 7,
		"host_hostuuid":  uuid,
		"host_hostname":  uuid,
		"tag":            "web",
		"release":        "13.2-RELEASE",
		"cloned_release": "13.2-RELEASE",
	})
	return f, uuid
}

func TestLoadTagMigrationRenamesDataset(t *testing.T) {
	ctx := context.Background()
	f, uuid := tagFixture(t)

	c, err := f.store.Load(ctx, f.pc.JailPath(uuid))
	require.NoError(t, err)
	assert.Equal(t, "web", c.ID())
	assert.Equal(t, "web", c.Hostname())
	assert.Equal(t, "iocage/jails/web/data", c.Get("jail_zfs_dataset"))

	ok, err := f.z.Exists(ctx, f.pc.Jail(uuid))
	require.NoError(t, err)
	assert.False(t, ok)
	origin, err := f.z.GetProperty(ctx, f.pc.JailRoot("web"), "origin")
	require.NoError(t, err)
	assert.Equal(t, f.pc.ReleaseRoot("13.2-RELEASE")+"@web", origin)

	fstab, err := os.ReadFile(filepath.Join(f.pc.JailPath("web"), "fstab"))
	require.NoError(t, err)
	assert.NotContains(t, string(fstab), uuid)
	assert.FileExists(t, filepath.Join(f.pc.JailPath("web"), FileName))
}

func TestLoadTagMigrationRefusesRunningJail(t *testing.T) {
	f, uuid := tagFixture(t)
	f.live[uuid] = true

	_, err := f.store.Load(context.Background(), f.pc.JailPath(uuid))
	assert.ErrorIs(t, err, errs.JailRunningCannotMigrate)

	ok, err := f.z.Exists(context.Background(), f.pc.Jail(uuid))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadDateTagIsDropped(t *testing.T) {
	f := newFixture(t)
	dir := f.jail(t, "dated")
	writeJSON(t, filepath.Join(dir, FileName), map[string]any{
		"CONFIG_VERSION": 7,
		"host_hostuuid":  "dated",
		"tag":            "2017-03-01@10:11:12:123456",
		"release":        "13.2-RELEASE",
		"cloned_release": "13.2-RELEASE",
	})

	c, err := f.store.Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "dated", c.ID())
	assert.Equal(t, "dated", c.Get("tag"))
}

func TestWriteTemplateRestoresReadonly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ds := f.pc.Template("base")
	require.NoError(t, f.z.Create(ctx, ds+"/root", nil))
	require.NoError(t, f.z.SetProperty(ctx, ds, "readonly", "on"))

	c := New(map[string]string{"host_hostuuid": "base", "template": "yes", "release": "13.2-RELEASE"})
	require.NoError(t, f.store.Write(ctx, f.pc.TemplatePath("base"), c))

	ro, err := f.z.GetProperty(ctx, ds, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "on", ro)
	h := f.z.History()
	assert.Equal(t, []string{"set readonly=off " + ds, "set readonly=on " + ds}, h[len(h)-2:])
}
