package topology

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/fstab"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/release"
	"zjm/internal/report"
	"zjm/internal/zfs/zfstest"
)

const rel = "13.2-RELEASE"

type fakeLiveness map[string]bool

func (f fakeLiveness) State(_ context.Context, id string) (jail.State, error) {
	if f[id] {
		return jail.State{Running: true, JID: 3}, nil
	}
	return jail.State{}, nil
}

type env struct {
	m       *Manager
	z       *zfstest.Pool
	pc      pool.Context
	live    fakeLiveness
	rec     *command.Recorder
	stopped []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	z := zfstest.New(dir, "tank")
	pc := pool.Context{Name: "tank", Root: filepath.Join(dir, "tank", "iocage")}
	for _, c := range pool.Layout {
		require.NoError(t, z.Create(ctx, pc.CategoryDataset(c), nil))
	}

	require.NoError(t, z.Create(ctx, pc.ReleaseRoot(rel), nil))
	root := pc.ReleasePath(rel)
	for name, content := range map[string]string{
		"bin/freebsd-version": "#!/bin/sh\nUSERLAND_VERSION=\"13.2-RELEASE-p4\"\n",
		"etc/hosts":           "::1 localhost\n127.0.0.1 localhost\n",
		"etc/motd":            "base\n",
	} {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(pc.LogPath(), 0o755))

	live := fakeLiveness{}
	e := &env{z: z, pc: pc, live: live, rec: command.NewRecorder()}
	e.m = &Manager{
		Pool: pc,
		ZFS:  z,
		Store: &jailconf.Store{
			Pool:     pc,
			ZFS:      z,
			Jails:    live,
			Defaults: jailconf.Defaults(jailconf.Host{HostID: "host", MACPrefix: "02ff60"}),
			Sink:     report.Discard(),
		},
		Jails:    live,
		Releases: &release.Local{Pool: pc, ZFS: z},
		Run:      e.rec,
		Stop: func(_ context.Context, id string) error {
			e.stopped = append(e.stopped, id)
			return nil
		},
		Sink: report.Discard(),
		Now:  func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	return e
}

func (e *env) create(t *testing.T, id string) Resource {
	t.Helper()
	res, err := e.m.CreateFromRelease(context.Background(), rel, id, CreateOptions{})
	require.NoError(t, err)
	return res
}

func (e *env) config(t *testing.T, res Resource) *jailconf.Config {
	t.Helper()
	cfg, err := e.m.Store.Load(context.Background(), res.Path)
	require.NoError(t, err)
	return cfg
}

func (e *env) exists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := e.z.Exists(context.Background(), name)
	require.NoError(t, err)
	return ok
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"web", "db.example", "a_b-c"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"default", "help", "ALL", "a b", "a/b", "x:y"} {
		assert.ErrorIs(t, ValidateName(name), errs.InvalidName, name)
	}
}

func TestCreateFromRelease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	res, err := e.m.CreateFromRelease(ctx, rel, "web", CreateOptions{Props: map[string]string{
		"ip4_addr":    "em0|10.0.0.5/24",
		"compression": "lz4",
	}})
	require.NoError(t, err)
	assert.Equal(t, "tank/iocage/jails/web", res.Dataset)

	cfg := e.config(t, res)
	assert.Equal(t, "web", cfg.ID())
	assert.Equal(t, "13.2-RELEASE-p4", cfg.Release())
	assert.Equal(t, rel, cfg.ClonedRelease())
	assert.Equal(t, "iocage/jails/web/data", cfg.Get("jail_zfs_dataset"))
	assert.Equal(t, "em0|10.0.0.5/24", cfg.Get("ip4_addr"))

	origin, err := e.z.GetProperty(ctx, res.RootDataset(), "origin")
	require.NoError(t, err)
	assert.Equal(t, "tank/iocage/releases/13.2-RELEASE/root@web", origin)
	compression, err := e.z.GetProperty(ctx, res.Dataset, "compression")
	require.NoError(t, err)
	assert.Equal(t, "lz4", compression)

	hosts := readFile(t, filepath.Join(res.RootPath(), "etc", "hosts"))
	assert.Contains(t, hosts, "127.0.0.1 localhost web\n")
	assert.Contains(t, hosts, "10.0.0.5\tweb\n")
	assert.Contains(t, readFile(t, filepath.Join(res.RootPath(), "etc", "rc.conf")), `host_hostname="web"`)
	assert.Empty(t, readFile(t, filepath.Join(res.Path, fstab.FileName)))
	assert.Equal(t, "base\n", readFile(t, filepath.Join(res.RootPath(), "etc", "motd")))

	t.Run("duplicate", func(t *testing.T) {
		_, err := e.m.CreateFromRelease(ctx, rel, "web", CreateOptions{})
		assert.ErrorIs(t, err, errs.AlreadyExists)
	})

	t.Run("invalid property creates nothing", func(t *testing.T) {
		before := e.z.Snapshots()
		_, err := e.m.CreateFromRelease(ctx, rel, "db", CreateOptions{Props: map[string]string{"quota": "ten"}})
		assert.ErrorIs(t, err, errs.InvalidPropertyValue)
		assert.Equal(t, before, e.z.Snapshots())
		assert.False(t, e.exists(t, "tank/iocage/jails/db"))
	})

	t.Run("reserved name", func(t *testing.T) {
		_, err := e.m.CreateFromRelease(ctx, rel, "default", CreateOptions{})
		assert.ErrorIs(t, err, errs.InvalidName)
	})

	t.Run("release not fetched", func(t *testing.T) {
		_, err := e.m.CreateFromRelease(ctx, "14.0-RELEASE", "db", CreateOptions{})
		assert.ErrorIs(t, err, errs.NotFound)
	})
}

func TestCreateBasejail(t *testing.T) {
	e := newEnv(t)
	res, err := e.m.CreateFromRelease(context.Background(), rel, "base", CreateOptions{Basejail: true})
	require.NoError(t, err)

	assert.True(t, e.config(t, res).IsBasejail())
	entries, err := fstab.Entries(filepath.Join(res.Path, fstab.FileName))
	require.NoError(t, err)
	require.Len(t, entries, len(fstab.BaseDirs))
	assert.Equal(t, filepath.Join(e.pc.ReleasePath(rel), "bin"), entries[0].Source)
	assert.Equal(t, filepath.Join(res.RootPath(), "bin"), entries[0].Dest)
	assert.DirExists(t, filepath.Join(res.RootPath(), "usr", "share"))
}

func TestCreateAsTemplate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res, err := e.m.CreateFromRelease(ctx, rel, "tmpl", CreateOptions{Props: map[string]string{"template": "yes"}})
	require.NoError(t, err)
	assert.True(t, res.IsTemplate())
	ro, err := e.z.GetProperty(ctx, res.Dataset, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "on", ro)
}

func TestCreateCleansUpOnFailure(t *testing.T) {
	e := newEnv(t)
	e.z.FailOn("clone", errs.New(errs.CodeCommandFailed, "out of space"))

	_, err := e.m.CreateFromRelease(context.Background(), rel, "web", CreateOptions{})
	require.ErrorIs(t, err, errs.CommandFailed)
	assert.False(t, e.exists(t, "tank/iocage/jails/web"))
	assert.False(t, e.exists(t, "tank/iocage/releases/13.2-RELEASE/root@web"))
}

func TestCreateExistingOriginSnapshotIsKept(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.z.Snapshot(ctx, e.pc.ReleaseRoot(rel), "web", false))

	_, err := e.m.CreateFromRelease(ctx, rel, "web", CreateOptions{})
	require.ErrorIs(t, err, errs.AlreadyExists)
	assert.Contains(t, err.Error(), "Please manually run zfs destroy")
	assert.True(t, e.exists(t, "tank/iocage/releases/13.2-RELEASE/root@web"))
}

// cancelAfterEnsure cancels the create while its snapshot is being taken.
type cancelAfterEnsure struct {
	release.Fetcher
	cancel context.CancelFunc
}

func (c cancelAfterEnsure) Ensure(ctx context.Context, r string) (string, error) {
	ds, err := c.Fetcher.Ensure(ctx, r)
	c.cancel()
	return ds, err
}

func TestCreateInterrupted(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.m.Releases = cancelAfterEnsure{Fetcher: e.m.Releases, cancel: cancel}

	_, err := e.m.CreateFromRelease(ctx, rel, "web", CreateOptions{})
	require.ErrorIs(t, err, errs.Interrupted)
	assert.Contains(t, err.Error(), "destroyed web")
	assert.False(t, e.exists(t, "tank/iocage/jails/web"))
	assert.False(t, e.exists(t, "tank/iocage/releases/13.2-RELEASE/root@web"))
}

func TestCloneFromJail(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := e.create(t, "src")
	cfg := e.config(t, src)
	cfg.Set("vnet0_mac", "02ff60aaaaaa 02ff60aaaaab")
	require.NoError(t, e.m.Store.Write(ctx, src.Path, cfg))
	require.NoError(t, os.WriteFile(filepath.Join(src.RootPath(), "etc", "motd"), []byte("src\n"), 0o644))

	clones, err := e.m.CloneFromJail(ctx, "src", "dst", 2, CreateOptions{})
	require.NoError(t, err)
	require.Len(t, clones, 2)
	assert.Equal(t, []string{"dst_1", "dst_2"}, resourceIDs(clones))

	c := clones[0]
	ccfg := e.config(t, c)
	assert.Equal(t, "dst_1", ccfg.ID())
	assert.Equal(t, "dst_1", ccfg.Hostname())
	assert.Equal(t, "none", ccfg.Get("vnet0_mac"))
	for k, v := range ccfg.Map() {
		if _, stored := ccfg.Lookup(k); stored {
			assert.NotContains(t, v, "src", k)
		}
	}
	assert.Contains(t, readFile(t, filepath.Join(c.RootPath(), "etc", "hosts")), "localhost dst_1")
	assert.Equal(t, "src\n", readFile(t, filepath.Join(c.RootPath(), "etc", "motd")))

	// Writes to a clone never reach its source.
	require.NoError(t, os.WriteFile(filepath.Join(c.RootPath(), "etc", "motd"), []byte("clone\n"), 0o644))
	assert.Equal(t, "src\n", readFile(t, filepath.Join(src.RootPath(), "etc", "motd")))
	assert.Equal(t, "02ff60aaaaaa 02ff60aaaaab", e.config(t, src).Get("vnet0_mac"))

	t.Run("template source refused", func(t *testing.T) {
		_, err := e.m.ConvertToTemplate(ctx, "dst_2")
		require.NoError(t, err)
		_, err = e.m.CloneFromJail(ctx, "dst_2", "other", 1, CreateOptions{})
		assert.ErrorIs(t, err, errs.UnsupportedJailType)
	})
}

func TestCloneLeavesNoSnapshotsBehind(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := e.create(t, "src")
	require.NoError(t, e.z.Create(ctx, src.Dataset+"/data", nil))

	_, err := e.m.CloneFromJail(ctx, "src", "dst", 1, CreateOptions{})
	require.NoError(t, err)
	assert.True(t, e.exists(t, src.Dataset+"@dst"))
	assert.True(t, e.exists(t, src.RootDataset()+"@dst"))
	assert.False(t, e.exists(t, src.Dataset+"/data@dst"))

	require.NoError(t, e.m.Destroy(ctx, "dst", DestroyOptions{}))
	for _, snap := range e.z.Snapshots() {
		assert.NotContains(t, snap, "@dst")
	}
	assert.True(t, e.exists(t, src.Dataset+"/data"))
}

func TestCloneFromJailKeepsEarlierClonesOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := e.create(t, "src")

	e.z.FailOn("clone "+src.RootDataset()+"@dst_2", errs.New(errs.CodeCommandFailed, "boom"))
	created, err := e.m.CloneFromJail(ctx, "src", "dst", 3, CreateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"dst_1"}, resourceIDs(created))

	assert.True(t, e.exists(t, "tank/iocage/jails/dst_1"))
	assert.True(t, e.exists(t, src.RootDataset()+"@dst_1"))
	for _, name := range append(e.z.Datasets(), e.z.Snapshots()...) {
		assert.NotContains(t, name, "dst_2")
		assert.NotContains(t, name, "dst_3")
	}
	_, err = os.Stat(e.pc.JailPath("dst_2"))
	assert.True(t, os.IsNotExist(err))
}

func TestConvert(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.create(t, "web")

	e.live["web"] = true
	_, err := e.m.ConvertToTemplate(ctx, "web")
	require.ErrorIs(t, err, errs.CannotConvertWhileRunning)
	assert.Contains(t, err.Error(), "Please stop it first!")
	e.live["web"] = false

	tmpl, err := e.m.ConvertToTemplate(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "tank/iocage/templates/web", tmpl.Dataset)
	assert.False(t, e.exists(t, "tank/iocage/jails/web"))
	ro, err := e.z.GetProperty(ctx, tmpl.Dataset, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "on", ro)
	assert.True(t, e.config(t, tmpl).IsTemplate())

	app, err := e.m.CreateFromTemplate(ctx, "web", "app", CreateOptions{})
	require.NoError(t, err)
	acfg := e.config(t, app)
	assert.Equal(t, "web", acfg.SourceTemplate())
	assert.Equal(t, "13.2-RELEASE-p4", acfg.Release())
	assert.False(t, acfg.IsTemplate())
	ro, err = e.z.GetProperty(ctx, tmpl.Dataset, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "on", ro, "template is readonly again")

	_, err = e.m.ConvertToJail(ctx, "web")
	require.ErrorIs(t, err, errs.CannotConvertWhileCloned)
	assert.Contains(t, err.Error(), "app")

	require.NoError(t, e.m.Destroy(ctx, "app", DestroyOptions{}))
	back, err := e.m.ConvertToJail(ctx, "web")
	require.NoError(t, err)
	assert.False(t, back.IsTemplate())
	ro, err = e.z.GetProperty(ctx, back.Dataset, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "off", ro)
	assert.False(t, e.config(t, back).IsTemplate())
}

func TestCreateFromTemplateRestoresReadonlyOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.create(t, "tmpl")
	tmpl, err := e.m.ConvertToTemplate(ctx, "tmpl")
	require.NoError(t, err)

	e.z.FailOn("clone", errs.New(errs.CodeCommandFailed, "boom"))
	_, err = e.m.CreateFromTemplate(ctx, "tmpl", "app", CreateOptions{})
	require.Error(t, err)

	ro, err := e.z.GetProperty(ctx, tmpl.Dataset, "readonly")
	require.NoError(t, err)
	assert.Equal(t, "on", ro)
	assert.False(t, e.exists(t, "tank/iocage/jails/app"))
	assert.False(t, e.exists(t, tmpl.RootDataset()+"@app"))

	_, err = e.m.CreateFromTemplate(ctx, "missing", "app", CreateOptions{})
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, id := range []string{"web1", "web2", "db.example"} {
		e.create(t, id)
	}

	tests := []struct {
		name string
		want string
	}{
		{"web1", "web1"},
		{"db", "db.example"},
		{"db_example", "db.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.m.Resolve(ctx, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	_, err := e.m.Resolve(ctx, "web")
	require.ErrorIs(t, err, errs.InvalidName)
	assert.Equal(t, "Multiple jails found for web:\n  web1\n  web2", err.Error())

	_, err = e.m.Resolve(ctx, "mail")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res := e.create(t, "web")
	require.NoError(t, os.WriteFile(e.pc.ConsoleLog("web"), []byte("boot\n"), 0o644))
	e.live["web"] = true

	require.NoError(t, e.m.Destroy(ctx, "web", DestroyOptions{}))
	assert.Equal(t, []string{"web"}, e.stopped)
	assert.True(t, e.rec.Ran("umount -afF "+filepath.Join(res.Path, fstab.FileName)))
	assert.False(t, e.exists(t, res.Dataset))
	assert.False(t, e.exists(t, "tank/iocage/releases/13.2-RELEASE/root@web"), "origin snapshot collected")
	assert.NoFileExists(t, e.pc.ConsoleLog("web"))
	assert.True(t, e.exists(t, e.pc.ReleaseRoot(rel)))
}

func TestDestroyReleaseWithDependents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.create(t, "web")

	err := e.m.DestroyRelease(ctx, rel, false, false)
	require.ErrorIs(t, err, errs.HasDependents)
	assert.Contains(t, err.Error(), "web")
	assert.True(t, e.exists(t, "tank/iocage/jails/web"))

	require.NoError(t, e.m.DestroyRelease(ctx, rel, true, false))
	assert.False(t, e.exists(t, "tank/iocage/jails/web"))
	assert.False(t, e.exists(t, e.pc.Release(rel)))

	assert.ErrorIs(t, e.m.DestroyRelease(ctx, rel, false, false), errs.NotFound)
}

func TestDestroyCategory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.create(t, "a")
	e.create(t, "b")
	e.live["a"] = true

	require.NoError(t, e.m.DestroyCategory(ctx, pool.Jails))
	assert.Empty(t, e.stopped, "clean does not stop jails")
	assert.True(t, e.exists(t, e.pc.CategoryDataset(pool.Jails)))
	all, err := e.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	for _, s := range e.z.Snapshots() {
		assert.False(t, strings.HasPrefix(s, e.pc.CategoryDataset(pool.Releases)), s)
	}
}

func TestSnapshotRollback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	res := e.create(t, "web")
	motd := filepath.Join(res.RootPath(), "etc", "motd")

	name, err := e.m.Snapshot(ctx, "web", "")
	require.NoError(t, err)
	assert.Equal(t, "tank/iocage/jails/web@2024-05-01_12:00:00", name)
	_, err = e.m.Snapshot(ctx, "web", "2024-05-01_12:00:00")
	require.ErrorIs(t, err, errs.AlreadyExists)

	require.NoError(t, os.WriteFile(motd, []byte("changed\n"), 0o644))
	_, err = e.m.Snapshot(ctx, "web", "later")
	require.NoError(t, err)

	snaps, err := e.m.Snapshots(ctx, "web")
	require.NoError(t, err)
	var names []string
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"tank/iocage/jails/web@2024-05-01_12:00:00",
		"tank/iocage/jails/web/root@2024-05-01_12:00:00",
		"tank/iocage/jails/web@later",
		"tank/iocage/jails/web/root@later",
	}, names)

	msg, err := e.m.WouldDestroyDataSince(ctx, "web", "2024-05-01_12:00:00")
	require.NoError(t, err)
	assert.Contains(t, msg, "This will destroy ALL data created since 2024-05-01_12:00:00 was taken.")
	assert.Contains(t, msg, "tank/iocage/jails/web@later")

	e.live["web"] = true
	err = e.m.Rollback(ctx, "web", "2024-05-01_12:00:00")
	require.ErrorIs(t, err, errs.AlreadyRunning)
	e.live["web"] = false

	require.NoError(t, e.m.Rollback(ctx, "web", "2024-05-01_12:00:00"))
	assert.Equal(t, "base\n", readFile(t, motd))
	assert.False(t, e.exists(t, "tank/iocage/jails/web@later"))

	assert.ErrorIs(t, e.m.Rollback(ctx, "web", "nope"), errs.NotFound)

	require.NoError(t, e.m.RemoveSnapshot(ctx, "web", "2024-05-01_12:00:00"))
	assert.False(t, e.exists(t, "tank/iocage/jails/web/root@2024-05-01_12:00:00"))
	assert.ErrorIs(t, e.m.RemoveSnapshot(ctx, "web", "2024-05-01_12:00:00"), errs.NotFound)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.create(t, "web")
	e.create(t, "db")

	_, err := e.m.Rename(ctx, "web", "db")
	require.ErrorIs(t, err, errs.AlreadyExists)

	res, err := e.m.Rename(ctx, "web", "www")
	require.NoError(t, err)
	assert.False(t, e.exists(t, "tank/iocage/jails/web"))
	cfg := e.config(t, res)
	assert.Equal(t, "www", cfg.ID())
	assert.Equal(t, "www", cfg.Hostname())
	assert.Equal(t, "iocage/jails/www/data", cfg.Get("jail_zfs_dataset"))
	origin, err := e.z.GetProperty(ctx, res.RootDataset(), "origin")
	require.NoError(t, err)
	assert.Equal(t, "tank/iocage/releases/13.2-RELEASE/root@www", origin)
	assert.Contains(t, readFile(t, filepath.Join(res.RootPath(), "etc", "rc.conf")), `host_hostname="www"`)

	t.Run("template children follow", func(t *testing.T) {
		_, err := e.m.ConvertToTemplate(ctx, "db")
		require.NoError(t, err)
		_, err = e.m.CreateFromTemplate(ctx, "db", "app", CreateOptions{})
		require.NoError(t, err)

		tmpl, err := e.m.Rename(ctx, "db", "dbtmpl")
		require.NoError(t, err)
		ro, err := e.z.GetProperty(ctx, tmpl.Dataset, "readonly")
		require.NoError(t, err)
		assert.Equal(t, "on", ro)
		app, err := e.m.Resolve(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, "dbtmpl", e.config(t, app).SourceTemplate())
	})
}
