// Package topology maps jail and template identifiers onto their datasets
// and implements everything that creates, clones, converts, renames or
// destroys those datasets.
package topology

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/release"
	"zjm/internal/report"
	"zjm/internal/zfs"
)

var (
	reserved  = map[string]bool{"default": true, "help": true, "ALL": true}
	validName = regexp.MustCompile(`^[a-zA-Z0-9\._-]+$`)
)

// Liveness answers whether a jail is running.
type Liveness interface {
	State(ctx context.Context, id string) (jail.State, error)
}

type Manager struct {
	Pool     pool.Context
	ZFS      zfs.Interface
	Store    *jailconf.Store
	Jails    Liveness
	Releases release.Fetcher
	// Run executes the unmounts of destroy.
	Run command.Runner
	// Stop brings a running jail down before its datasets are destroyed.
	// Its failure is logged and ignored.
	Stop func(ctx context.Context, id string) error
	Sink *report.Sink
	Now  func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Resource is a jail or template resolved to its dataset and mount path.
type Resource struct {
	ID string
	// Category is pool.Jails or pool.Templates.
	Category string
	Dataset  string
	Path     string
}

func (r Resource) IsTemplate() bool { return r.Category == pool.Templates }

// RootDataset is the dataset holding the jail's filesystem.
func (r Resource) RootDataset() string { return r.Dataset + "/root" }

func (r Resource) RootPath() string { return filepath.Join(r.Path, "root") }

func (m *Manager) resource(id, category string) Resource {
	return Resource{
		ID:       id,
		Category: category,
		Dataset:  m.Pool.CategoryDataset(category) + "/" + id,
		Path:     filepath.Join(m.Pool.CategoryPath(category), id),
	}
}

// ValidateName rejects reserved names and characters jail(8) or the
// dataset layout cannot carry.
func ValidateName(name string) error {
	if reserved[name] {
		return errs.New(errs.CodeInvalidName, "You cannot name a jail %s, that is a reserved name.", name)
	}
	if !validName.MatchString(name) {
		return errs.New(errs.CodeInvalidName,
			"Invalid character in %s, only alphanumeric characters, '.', '_' and '-' are allowed.", name)
	}
	return nil
}

// List returns every jail and template, sorted by id.
func (m *Manager) List(ctx context.Context) ([]Resource, error) {
	var res []Resource
	for _, category := range []string{pool.Jails, pool.Templates} {
		ids, err := m.ids(ctx, category)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			res = append(res, m.resource(id, category))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ids lists the direct children of a category dataset.
func (m *Manager) ids(ctx context.Context, category string) ([]string, error) {
	parent := m.Pool.CategoryDataset(category)
	deps, err := m.ZFS.ListDependents(ctx, parent, 1)
	if errors.Is(err, errs.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range deps {
		if id, ok := strings.CutPrefix(d, parent+"/"); ok && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func normalize(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// Resolve finds the jail or template named exactly name, or failing that
// the only one whose id starts with name. Dots and underscores are
// interchangeable since jail(8) names replace one with the other.
func (m *Manager) Resolve(ctx context.Context, name string) (Resource, error) {
	if name == "" {
		return Resource{}, errs.New(errs.CodeNotFound, "a jail name is required")
	}
	all, err := m.List(ctx)
	if err != nil {
		return Resource{}, err
	}
	want := normalize(name)
	for _, r := range all {
		if r.ID == name {
			return r, nil
		}
	}
	for _, r := range all {
		if normalize(r.ID) == want {
			return r, nil
		}
	}

	var matches []Resource
	for _, r := range all {
		if strings.HasPrefix(normalize(r.ID), want) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return Resource{}, errs.New(errs.CodeNotFound, "jail %s not found!", name)
	case 1:
		return matches[0], nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple jails found for %s:", name)
	for _, r := range matches {
		fmt.Fprintf(&b, "\n  %s", r.ID)
	}
	return Resource{}, errs.New(errs.CodeInvalidName, "%s", b.String())
}

// exists reports whether a jail or template already uses id.
func (m *Manager) exists(ctx context.Context, id string) (bool, error) {
	for _, category := range []string{pool.Jails, pool.Templates} {
		ok, err := m.ZFS.Exists(ctx, m.resource(id, category).Dataset)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (m *Manager) checkNew(ctx context.Context, id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	taken, err := m.exists(ctx, id)
	if err != nil {
		return err
	}
	if taken {
		return errs.New(errs.CodeAlreadyExists, "Jail: %s already exists!", id)
	}
	return nil
}

func (m *Manager) running(ctx context.Context, id string) (bool, error) {
	st, err := m.Jails.State(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Running, nil
}

// idOf maps a dataset to the jail or template that owns it.
func (m *Manager) idOf(dataset string) (Resource, bool) {
	for _, category := range []string{pool.Jails, pool.Templates} {
		rest, ok := strings.CutPrefix(dataset, m.Pool.CategoryDataset(category)+"/")
		if !ok || rest == "" {
			continue
		}
		id, _, _ := strings.Cut(rest, "/")
		return m.resource(id, category), true
	}
	return Resource{}, false
}

// clonesOf returns the datasets outside tree whose origin is a snapshot of
// a dataset inside it.
func (m *Manager) clonesOf(ctx context.Context, tree []string) ([]string, error) {
	inTree := map[string]bool{}
	for _, d := range tree {
		inTree[d] = true
	}
	all, err := m.ZFS.ListDependents(ctx, m.Pool.Dataset(), 0)
	if err != nil {
		return nil, err
	}
	var clones []string
	for _, d := range all {
		if inTree[d] {
			continue
		}
		origin, err := m.ZFS.GetProperty(ctx, d, "origin")
		if err != nil {
			return nil, err
		}
		if ds, _, ok := zfs.SnapshotName(origin); ok && inTree[ds] {
			clones = append(clones, d)
		}
	}
	return clones, nil
}

// dependentJails maps clone datasets to the jails owning them, once each.
func (m *Manager) dependentJails(clones []string) []Resource {
	seen := map[string]bool{}
	var res []Resource
	for _, c := range clones {
		r, ok := m.idOf(c)
		if !ok || seen[r.Dataset] {
			continue
		}
		seen[r.Dataset] = true
		res = append(res, r)
	}
	return res
}

func resourceIDs(rs []Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
