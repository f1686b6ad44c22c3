// Package zfstest provides an in-memory zfs.Interface backed by a directory
// tree, so dataset topology can be exercised without a real pool.
package zfstest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"zjm/internal/errs"
	"zjm/internal/zfs"
)

type dataset struct {
	props map[string]string
}

type snapshot struct {
	seq   int
	files map[string][]byte
	dirs  []string
}

// Pool mounts dataset "a/b" at Root/a/b unless its mountpoint is "none".
type Pool struct {
	Root string

	mu        sync.Mutex
	seq       int
	datasets  map[string]*dataset
	snapshots map[string]*snapshot
	history   []string
	fail      map[string]error
}

var _ zfs.Interface = (*Pool)(nil)

// New returns a pool with the named root datasets created.
func New(root string, pools ...string) *Pool {
	p := &Pool{
		Root:      root,
		datasets:  map[string]*dataset{},
		snapshots: map[string]*snapshot{},
		fail:      map[string]error{},
	}
	for _, name := range pools {
		p.datasets[name] = &dataset{props: map[string]string{}}
		_ = os.MkdirAll(p.mountpoint(name), 0o755)
	}
	return p
}

// FailOn makes the next operation whose history line starts with prefix
// return err.
func (p *Pool) FailOn(prefix string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[prefix] = err
}

// History lists mutating operations in the order they happened.
func (p *Pool) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

func (p *Pool) record(line string) error {
	for prefix, err := range p.fail {
		if strings.HasPrefix(line, prefix) {
			delete(p.fail, prefix)
			return err
		}
	}
	p.history = append(p.history, line)
	return nil
}

// Datasets lists every filesystem name, sorted.
func (p *Pool) Datasets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.datasets))
	for n := range p.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshots lists every snapshot name, sorted.
func (p *Pool) Snapshots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.snapshots))
	for n := range p.snapshots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Pool) mountpoint(name string) string {
	return filepath.Join(p.Root, filepath.FromSlash(name))
}

func (p *Pool) mounted(name string) bool {
	d, ok := p.datasets[name]
	return ok && d.props["mountpoint"] != "none"
}

func notFound(name string) error {
	return errs.New(errs.CodeNotFound, "cannot open '%s': dataset does not exist", name)
}

func exists(name string) error {
	return errs.New(errs.CodeAlreadyExists, "cannot create '%s': dataset already exists", name)
}

func parent(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

func (p *Pool) children(name string) []string {
	var out []string
	for n := range p.datasets {
		if strings.HasPrefix(n, name+"/") {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) snapshotsOf(name string, recursive bool) []string {
	var out []string
	for n := range p.snapshots {
		ds, _, _ := strings.Cut(n, "@")
		if ds == name || (recursive && strings.HasPrefix(ds, name+"/")) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return p.snapshots[out[i]].seq < p.snapshots[out[j]].seq })
	return out
}

func (p *Pool) clonesOf(snap string) []string {
	var out []string
	for n, d := range p.datasets {
		if d.props["origin"] == snap {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) Exists(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; ok {
		return true, nil
	}
	_, ok := p.snapshots[name]
	return ok, nil
}

func (p *Pool) Properties(_ context.Context, name string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[name]; ok {
		return map[string]string{
			"type":       "snapshot",
			"creation":   fmt.Sprintf("%d", s.seq),
			"used":       "0B",
			"referenced": fmt.Sprintf("%dB", len(s.files)),
		}, nil
	}
	d, ok := p.datasets[name]
	if !ok {
		return nil, notFound(name)
	}
	props := map[string]string{
		"type":       "filesystem",
		"origin":     zfs.NoValue,
		"readonly":   "off",
		"jailed":     "off",
		"mountpoint": p.mountpoint(name),
	}
	for k, v := range d.props {
		props[k] = v
	}
	// Datasets always live under Root; an explicit mountpoint only matters
	// when it is "none".
	if props["mountpoint"] != "none" {
		props["mountpoint"] = p.mountpoint(name)
	}
	return props, nil
}

func (p *Pool) GetProperty(ctx context.Context, name, key string) (string, error) {
	props, err := p.Properties(ctx, name)
	if err != nil {
		return "", err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return zfs.NoValue, nil
}

func (p *Pool) SetProperty(_ context.Context, name, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.datasets[name]
	if !ok {
		return notFound(name)
	}
	if err := p.record(fmt.Sprintf("set %s=%s %s", key, value, name)); err != nil {
		return err
	}
	d.props[key] = value
	return nil
}

func (p *Pool) create(name string, props map[string]string) error {
	if par := parent(name); par != "" {
		if _, ok := p.datasets[par]; !ok {
			if err := p.create(par, nil); err != nil {
				return err
			}
		}
	}
	d := &dataset{props: map[string]string{}}
	for k, v := range props {
		d.props[k] = v
	}
	p.datasets[name] = d
	if p.mounted(name) {
		return os.MkdirAll(p.mountpoint(name), 0o755)
	}
	return nil
}

func (p *Pool) Create(_ context.Context, name string, props map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; ok {
		return exists(name)
	}
	if err := p.record("create " + name); err != nil {
		return err
	}
	return p.create(name, props)
}

func (p *Pool) Destroy(_ context.Context, name string, opts zfs.DestroyOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("destroy " + name); err != nil {
		return err
	}
	return p.destroy(name, opts)
}

func (p *Pool) destroy(name string, opts zfs.DestroyOptions) error {
	if _, ok := p.snapshots[name]; ok {
		clones := p.clonesOf(name)
		if len(clones) > 0 && !opts.Force {
			return errs.New(errs.CodeCommandFailed, "cannot destroy '%s': snapshot has dependent clones", name)
		}
		for _, c := range clones {
			if _, ok := p.datasets[c]; ok {
				if err := p.destroy(c, zfs.DestroyOptions{Recursive: true, Force: true}); err != nil {
					return err
				}
			}
		}
		delete(p.snapshots, name)
		return nil
	}

	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	children := p.children(name)
	snaps := p.snapshotsOf(name, true)
	if (len(children) > 0 || len(snaps) > 0) && !opts.Recursive {
		return errs.New(errs.CodeCommandFailed, "cannot destroy '%s': filesystem has children", name)
	}
	for _, s := range snaps {
		if _, ok := p.snapshots[s]; !ok {
			continue
		}
		if err := p.destroy(s, opts); err != nil {
			return err
		}
	}
	for i := len(children) - 1; i >= 0; i-- {
		delete(p.datasets, children[i])
	}
	delete(p.datasets, name)
	return os.RemoveAll(p.mountpoint(name))
}

func (p *Pool) Rename(_ context.Context, oldName, newName string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[oldName]; !ok {
		return notFound(oldName)
	}
	if _, ok := p.datasets[newName]; ok {
		return exists(newName)
	}
	if err := p.record(fmt.Sprintf("rename %s %s", oldName, newName)); err != nil {
		return err
	}
	if par := parent(newName); par != "" {
		if _, ok := p.datasets[par]; !ok {
			return notFound(par)
		}
	}

	move := func(n string) string { return newName + strings.TrimPrefix(n, oldName) }
	for _, n := range append([]string{oldName}, p.children(oldName)...) {
		p.datasets[move(n)] = p.datasets[n]
		delete(p.datasets, n)
	}
	for n, s := range p.snapshots {
		ds, snap, _ := strings.Cut(n, "@")
		if ds == oldName || strings.HasPrefix(ds, oldName+"/") {
			renamed := move(ds) + "@" + snap
			p.snapshots[renamed] = s
			delete(p.snapshots, n)
			for _, d := range p.datasets {
				if d.props["origin"] == n {
					d.props["origin"] = renamed
				}
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.mountpoint(newName)), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(p.mountpoint(oldName)); err == nil {
		return os.Rename(p.mountpoint(oldName), p.mountpoint(newName))
	}
	return nil
}

func (p *Pool) RenameSnapshot(_ context.Context, full, newSnap string, recursive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds, oldSnap, ok := strings.Cut(full, "@")
	if !ok {
		return errs.New(errs.CodeCommandFailed, "%s is not a snapshot", full)
	}
	if _, ok := p.snapshots[full]; !ok {
		return notFound(full)
	}
	if err := p.record(fmt.Sprintf("rename %s @%s", full, newSnap)); err != nil {
		return err
	}
	targets := []string{ds}
	if recursive {
		targets = append(targets, p.children(ds)...)
	}
	for _, t := range targets {
		from, to := t+"@"+oldSnap, t+"@"+newSnap
		s, ok := p.snapshots[from]
		if !ok {
			continue
		}
		p.snapshots[to] = s
		delete(p.snapshots, from)
		for _, d := range p.datasets {
			if d.props["origin"] == from {
				d.props["origin"] = to
			}
		}
	}
	return nil
}

// capture reads the files that belong to name, skipping child datasets.
func (p *Pool) capture(name string) (*snapshot, error) {
	s := &snapshot{files: map[string][]byte{}}
	if !p.mounted(name) {
		return s, nil
	}
	root := p.mountpoint(name)
	skip := map[string]bool{}
	for _, c := range p.children(name) {
		skip[p.mountpoint(c)] = true
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root {
			return nil
		}
		if skip[path] {
			return filepath.SkipDir
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			s.dirs = append(s.dirs, rel)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		s.files[rel] = data
		return nil
	})
	return s, err
}

func (p *Pool) restore(name string, s *snapshot) error {
	if !p.mounted(name) {
		return nil
	}
	root := p.mountpoint(name)
	skip := map[string]bool{}
	for _, c := range p.children(name) {
		skip[p.mountpoint(c)] = true
	}
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if skip[path] {
			continue
		}
		if err := removeExcept(path, skip); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	for _, d := range s.dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return err
		}
	}
	for rel, data := range s.files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// removeExcept removes path unless it holds a child dataset mountpoint, in
// which case only the other entries go.
func removeExcept(path string, keep map[string]bool) error {
	for k := range keep {
		if strings.HasPrefix(k, path+string(filepath.Separator)) {
			entries, err := os.ReadDir(path)
			if err != nil {
				return err
			}
			for _, e := range entries {
				child := filepath.Join(path, e.Name())
				if keep[child] {
					continue
				}
				if err := removeExcept(child, keep); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return os.RemoveAll(path)
}

func (p *Pool) Snapshot(_ context.Context, name, snap string, recursive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	targets := []string{name}
	if recursive {
		targets = append(targets, p.children(name)...)
	}
	for _, t := range targets {
		if _, ok := p.snapshots[t+"@"+snap]; ok {
			return exists(t + "@" + snap)
		}
	}
	if err := p.record(fmt.Sprintf("snapshot %s@%s", name, snap)); err != nil {
		return err
	}
	for _, t := range targets {
		s, err := p.capture(t)
		if err != nil {
			return err
		}
		p.seq++
		s.seq = p.seq
		p.snapshots[t+"@"+snap] = s
	}
	return nil
}

func (p *Pool) Clone(_ context.Context, snap, target string, props map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snapshots[snap]
	if !ok {
		return notFound(snap)
	}
	if _, ok := p.datasets[target]; ok {
		return exists(target)
	}
	if err := p.record(fmt.Sprintf("clone %s %s", snap, target)); err != nil {
		return err
	}
	merged := map[string]string{"origin": snap}
	for k, v := range props {
		merged[k] = v
	}
	if err := p.create(target, merged); err != nil {
		return err
	}
	return p.restore(target, s)
}

func (p *Pool) Rollback(_ context.Context, snap string, destroyLatest bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snapshots[snap]
	if !ok {
		return notFound(snap)
	}
	if err := p.record("rollback " + snap); err != nil {
		return err
	}
	ds, _, _ := strings.Cut(snap, "@")
	var later []string
	for _, n := range p.snapshotsOf(ds, false) {
		if p.snapshots[n].seq > s.seq {
			later = append(later, n)
		}
	}
	if len(later) > 0 && !destroyLatest {
		return errs.New(errs.CodeCommandFailed, "cannot rollback to '%s': more recent snapshots exist", snap)
	}
	for _, n := range later {
		if err := p.destroy(n, zfs.DestroyOptions{}); err != nil {
			return err
		}
	}
	return p.restore(ds, s)
}

func (p *Pool) Promote(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.datasets[name]
	if !ok {
		return notFound(name)
	}
	if err := p.record("promote " + name); err != nil {
		return err
	}
	delete(d.props, "origin")
	return nil
}

func (p *Pool) Mount(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	return p.record("mount " + name)
}

func (p *Pool) Umount(_ context.Context, name string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	return p.record("umount " + name)
}

func (p *Pool) ListDependents(_ context.Context, name string, depth int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return nil, notFound(name)
	}
	base := strings.Count(name, "/")
	out := []string{name}
	for _, c := range p.children(name) {
		if depth > 0 && strings.Count(c, "/")-base > depth {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Pool) ListSnapshots(_ context.Context, name string, recursive bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return nil, notFound(name)
	}
	return p.snapshotsOf(name, recursive), nil
}

func (p *Pool) Jail(_ context.Context, jailName, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	return p.record(fmt.Sprintf("jail %s %s", jailName, name))
}

func (p *Pool) Unjail(_ context.Context, jailName, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[name]; !ok {
		return notFound(name)
	}
	return p.record(fmt.Sprintf("unjail %s %s", jailName, name))
}

func (p *Pool) DatasetForMountpoint(_ context.Context, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := ""
	for n := range p.datasets {
		mp := p.mountpoint(n)
		if !p.mounted(n) {
			continue
		}
		if (path == mp || strings.HasPrefix(path, mp+string(filepath.Separator))) && len(n) > len(best) {
			best = n
		}
	}
	if best == "" {
		return "", errs.New(errs.CodeNotFound, "no dataset mounted at %s", path)
	}
	return best, nil
}

func (p *Pool) Pools(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pools []string
	for n := range p.datasets {
		if !strings.Contains(n, "/") {
			pools = append(pools, n)
		}
	}
	sort.Strings(pools)
	return pools, nil
}

type stream struct {
	Files map[string][]byte `json:"files"`
	Dirs  []string          `json:"dirs"`
	Snap  string            `json:"snap"`
}

func (p *Pool) Send(_ context.Context, snap string, w io.Writer) (string, error) {
	p.mu.Lock()
	s, ok := p.snapshots[snap]
	p.mu.Unlock()
	if !ok {
		return "", notFound(snap)
	}
	_, name, _ := strings.Cut(snap, "@")
	data, err := json.Marshal(stream{Files: s.files, Dirs: s.dirs, Snap: name})
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:]), nil
}

func (p *Pool) Receive(_ context.Context, target string, r io.Reader, _ bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var st stream
	if err := json.Unmarshal(data, &st); err != nil {
		return errs.Wrap(errs.CodeCommandFailed, err, "invalid stream")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.datasets[target]; ok {
		return exists(target)
	}
	if err := p.record("receive " + target); err != nil {
		return err
	}
	if err := p.create(target, nil); err != nil {
		return err
	}
	s := &snapshot{files: st.Files, dirs: st.Dirs}
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	if err := p.restore(target, s); err != nil {
		return err
	}
	p.seq++
	s.seq = p.seq
	p.snapshots[target+"@"+st.Snap] = s
	return nil
}
