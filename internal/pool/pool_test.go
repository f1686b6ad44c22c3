package pool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/errs"
	"zjm/internal/report"
	"zjm/internal/zfs"
	"zjm/internal/zfs/zfstest"
)

func TestContextPaths(t *testing.T) {
	c := Context{Name: "tank", Root: "/tank/iocage"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dataset", c.Dataset(), "tank/iocage"},
		{"jail", c.Jail("web"), "tank/iocage/jails/web"},
		{"jail root", c.JailRoot("web"), "tank/iocage/jails/web/root"},
		{"template root", c.TemplateRoot("base"), "tank/iocage/templates/base/root"},
		{"release root", c.ReleaseRoot("13.2-RELEASE"), "tank/iocage/releases/13.2-RELEASE/root"},
		{"download", c.DownloadDataset("13.2-RELEASE"), "tank/iocage/download/13.2-RELEASE"},
		{"jail path", c.JailPath("web"), "/tank/iocage/jails/web"},
		{"release path", c.ReleasePath("13.2-RELEASE"), "/tank/iocage/releases/13.2-RELEASE/root"},
		{"console log", c.ConsoleLog("web"), "/tank/iocage/log/web-console.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	p, ok := c.MountPath("tank/iocage/jails/web/root")
	require.True(t, ok)
	assert.Equal(t, "/tank/iocage/jails/web/root", p)
	_, ok = c.MountPath("other/iocage/jails/web")
	assert.False(t, ok)
}

func TestResolveName(t *testing.T) {
	ctx := context.Background()
	sink := report.Discard()

	t.Run("none active", func(t *testing.T) {
		z := zfstest.New(t.TempDir(), "tank", "data")
		_, err := ResolveName(ctx, z, "", sink)
		assert.ErrorIs(t, err, errs.NotFound)
	})

	t.Run("single active", func(t *testing.T) {
		z := zfstest.New(t.TempDir(), "tank", "data")
		require.NoError(t, z.SetProperty(ctx, "data", zfs.ActiveProperty, "yes"))
		name, err := ResolveName(ctx, z, "", sink)
		require.NoError(t, err)
		assert.Equal(t, "data", name)
	})

	t.Run("two active", func(t *testing.T) {
		z := zfstest.New(t.TempDir(), "tank", "data")
		require.NoError(t, z.SetProperty(ctx, "data", zfs.ActiveProperty, "yes"))
		require.NoError(t, z.SetProperty(ctx, "tank", zfs.ActiveProperty, "yes"))
		_, err := ResolveName(ctx, z, "", sink)
		assert.ErrorContains(t, err, "2 pools marked active")
	})

	t.Run("legacy comment is migrated", func(t *testing.T) {
		z := zfstest.New(t.TempDir(), "tank")
		require.NoError(t, z.SetProperty(ctx, "tank", "comment", "iocage"))
		name, err := ResolveName(ctx, z, "", sink)
		require.NoError(t, err)
		assert.Equal(t, "tank", name)
		v, err := z.GetProperty(ctx, "tank", zfs.ActiveProperty)
		require.NoError(t, err)
		assert.Equal(t, "yes", v)
		v, err = z.GetProperty(ctx, "tank", "comment")
		require.NoError(t, err)
		assert.Equal(t, zfs.NoValue, v)
	})

	t.Run("configured pool wins", func(t *testing.T) {
		z := zfstest.New(t.TempDir(), "tank", "data")
		name, err := ResolveName(ctx, z, "tank", sink)
		require.NoError(t, err)
		assert.Equal(t, "tank", name)

		_, err = ResolveName(ctx, z, "ghost", sink)
		assert.ErrorIs(t, err, errs.NotFound)
	})
}

func TestActivateSwitchesPools(t *testing.T) {
	ctx := context.Background()
	z := zfstest.New(t.TempDir(), "tank", "data")
	require.NoError(t, Activate(ctx, z, "tank"))
	require.NoError(t, Activate(ctx, z, "data"))

	v, err := z.GetProperty(ctx, "tank", zfs.ActiveProperty)
	require.NoError(t, err)
	assert.Equal(t, "no", v)
	v, err = z.GetProperty(ctx, "data", zfs.ActiveProperty)
	require.NoError(t, err)
	assert.Equal(t, "yes", v)

	assert.ErrorIs(t, Activate(ctx, z, "ghost"), errs.NotFound)
}

func TestOpenCreatesLayoutOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	z := zfstest.New(dir, "tank")
	require.NoError(t, Activate(ctx, z, "tank"))
	lockPath := filepath.Join(dir, "zjm.lock")

	c, err := Open(ctx, z, "", lockPath, report.Discard())
	require.NoError(t, err)
	assert.Equal(t, "tank", c.Name)
	assert.Equal(t, filepath.Join(dir, "tank", "iocage"), c.Root)

	for _, cat := range Layout {
		ok, err := z.Exists(ctx, c.CategoryDataset(cat))
		require.NoError(t, err)
		assert.True(t, ok, cat)
	}

	before := len(z.History())
	_, err = Open(ctx, z, "", lockPath, report.Discard())
	require.NoError(t, err)
	assert.Len(t, z.History(), before)
}

func TestDatasetFor(t *testing.T) {
	c := Context{Name: "tank", Root: "/tank/iocage"}

	ds, ok := c.DatasetFor("/tank/iocage/templates/base")
	require.True(t, ok)
	assert.Equal(t, "tank/iocage/templates/base", ds)

	ds, ok = c.DatasetFor("/tank/iocage")
	require.True(t, ok)
	assert.Equal(t, "tank/iocage", ds)

	_, ok = c.DatasetFor("/var/tmp")
	assert.False(t, ok)
}
