package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/besteffort"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
	"zjm/internal/zfs/zfstest"
)

type fakeJails struct {
	mu      sync.Mutex
	running map[string]bool
	events  []string
	fail    map[string]error
	delay   time.Duration
}

func (f *fakeJails) State(_ context.Context, id string) (jail.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[id] {
		return jail.State{Running: true, JID: 1}, nil
	}
	return jail.State{}, nil
}

func (f *fakeJails) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeJails) Start(_ context.Context, id string) error {
	f.record("start " + id)
	time.Sleep(f.delay)
	if err := f.fail[id]; err != nil {
		return err
	}
	f.mu.Lock()
	f.running[id] = true
	f.mu.Unlock()
	f.record("started " + id)
	return nil
}

func (f *fakeJails) Stop(_ context.Context, id string) (besteffort.Report, error) {
	f.record("stop " + id)
	f.mu.Lock()
	delete(f.running, id)
	f.mu.Unlock()
	return besteffort.Report{{Label: "Removing jail process"}}, nil
}

func (f *fakeJails) index(ev string) int {
	for i, e := range f.events {
		if e == ev {
			return i
		}
	}
	return -1
}

type env struct {
	o  *Orchestrator
	z  *zfstest.Pool
	pc pool.Context
	f  *fakeJails
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	z := zfstest.New(dir, "tank")
	pc := pool.Context{Name: "tank", Root: filepath.Join(dir, "tank", "iocage")}
	for _, c := range pool.Layout {
		require.NoError(t, z.Create(context.Background(), pc.CategoryDataset(c), nil))
	}
	f := &fakeJails{running: map[string]bool{}, fail: map[string]error{}}
	store := &jailconf.Store{
		Pool:     pc,
		ZFS:      z,
		Jails:    f,
		Defaults: jailconf.Defaults(jailconf.Host{HostID: "host", MACPrefix: "02ff60"}),
		Sink:     report.Discard(),
	}
	topo := &topology.Manager{Pool: pc, ZFS: z, Store: store, Jails: f, Sink: report.Discard()}
	return &env{
		o: &Orchestrator{
			Topology:    topo,
			Store:       store,
			Jails:       f,
			Lifecycle:   f,
			Parallelism: 1,
			Sink:        report.Discard(),
		},
		z:  z,
		pc: pc,
		f:  f,
	}
}

func (e *env) addJail(t *testing.T, id string, priority int, boot bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.z.Create(ctx, e.pc.JailRoot(id), nil))
	b := "off"
	if boot {
		b = "on"
	}
	cfg := jailconf.New(map[string]string{
		"host_hostuuid":  id,
		"release":        "13.2-RELEASE",
		"cloned_release": "13.2-RELEASE",
		"priority":       strconv.Itoa(priority),
		"boot":           b,
	})
	require.NoError(t, e.o.Store.Write(ctx, e.pc.JailPath(id), cfg))
}

func ids(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestBootOrder(t *testing.T) {
	entries := []Entry{{"a", 10, true}, {"b", 5, true}, {"c", 20, true}}
	assert.Equal(t, []string{"b", "a", "c"}, ids(BootOrder(entries, Start)))
	assert.Equal(t, []string{"c", "a", "b"}, ids(BootOrder(entries, Stop)))
	assert.Equal(t, []string{"a", "b", "c"}, ids(entries))

	tied := []Entry{{"x", 5, true}, {"y", 5, true}, {"w", 1, true}}
	assert.Equal(t, []string{"w", "x", "y"}, ids(BootOrder(tied, Start)))
	assert.Equal(t, [][]string{{"w"}, {"x", "y"}}, func() [][]string {
		var out [][]string
		for _, tier := range Tiers(BootOrder(tied, Start)) {
			out = append(out, ids(tier))
		}
		return out
	}())
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("rc start skips boot off", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 10, true)
		e.addJail(t, "b", 5, true)
		e.addJail(t, "c", 20, true)
		e.addJail(t, "d", 1, false)

		require.NoError(t, e.o.Run(ctx, Start, ModeRC))
		assert.Equal(t, []string{"start b", "started b", "start a", "started a", "start c", "started c"}, e.f.events)
	})

	t.Run("all includes boot off", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 10, true)
		e.addJail(t, "d", 1, false)

		require.NoError(t, e.o.Run(ctx, Start, ModeAll))
		assert.Equal(t, []string{"start d", "started d", "start a", "started a"}, e.f.events)
	})

	t.Run("stop descends and skips stopped jails", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 10, true)
		e.addJail(t, "b", 5, true)
		e.addJail(t, "c", 20, true)
		e.f.running["a"], e.f.running["c"] = true, true

		require.NoError(t, e.o.Run(ctx, Stop, ModeRC))
		assert.Equal(t, []string{"stop c", "stop a"}, e.f.events)
	})

	t.Run("failures do not stop the run", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 1, true)
		e.addJail(t, "b", 2, true)
		e.f.fail["a"] = errs.New(errs.CodeJailStartFailed, "a failed to start")

		err := e.o.Run(ctx, Start, ModeRC)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.JailStartFailed)
		assert.Contains(t, e.f.events, "started b")
	})

	t.Run("tiers run one after another", func(t *testing.T) {
		e := newEnv(t)
		e.o.Parallelism = 2
		e.f.delay = 10 * time.Millisecond
		e.addJail(t, "x", 5, true)
		e.addJail(t, "y", 5, true)
		e.addJail(t, "z", 10, true)

		require.NoError(t, e.o.Run(ctx, Start, ModeRC))
		z := e.f.index("start z")
		require.GreaterOrEqual(t, z, 0)
		assert.Greater(t, z, e.f.index("started x"))
		assert.Greater(t, z, e.f.index("started y"))
	})

	t.Run("templates are not started", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.z.Create(ctx, e.pc.TemplateRoot("tmpl"), nil))
		cfg := jailconf.New(map[string]string{"host_hostuuid": "tmpl", "release": "13.2-RELEASE", "cloned_release": "13.2-RELEASE", "template": "yes", "boot": "on"})
		require.NoError(t, e.o.Store.Write(ctx, e.pc.TemplatePath("tmpl"), cfg))

		require.NoError(t, e.o.Run(ctx, Start, ModeAll))
		assert.Empty(t, e.f.events)
	})
}

func TestClean(t *testing.T) {
	ctx := context.Background()

	t.Run("category", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 1, true)
		e.f.running["a"] = true

		require.NoError(t, e.o.Clean(ctx, pool.Jails))
		ok, err := e.z.Exists(ctx, e.pc.Jail("a"))
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = e.z.Exists(ctx, e.pc.CategoryDataset(pool.Jails))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, e.f.events, "clean never stops jails")
	})

	t.Run("all", func(t *testing.T) {
		e := newEnv(t)
		e.addJail(t, "a", 1, true)
		require.NoError(t, e.z.SetProperty(ctx, "tank", zfs.ActiveProperty, "yes"))

		require.NoError(t, e.o.Clean(ctx, "all"))
		ok, err := e.z.Exists(ctx, e.pc.Dataset())
		require.NoError(t, err)
		assert.False(t, ok)
		active, err := e.z.GetProperty(ctx, "tank", zfs.ActiveProperty)
		require.NoError(t, err)
		assert.Equal(t, "no", active)
	})

	t.Run("unknown category", func(t *testing.T) {
		e := newEnv(t)
		err := e.o.Clean(ctx, "everything")
		assert.ErrorIs(t, err, errs.InvalidPropertyValue)
		assert.False(t, errors.Is(err, errs.NotFound))
	})
}
