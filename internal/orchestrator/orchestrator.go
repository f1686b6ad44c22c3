// Package orchestrator runs start and stop over many jails in boot priority
// order and wipes whole categories.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"zjm/internal/besteffort"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

type Action int

const (
	Start Action = iota
	Stop
)

func (a Action) String() string {
	if a == Stop {
		return "stop"
	}
	return "start"
}

type Mode int

const (
	// ModeRC only touches jails with boot=on.
	ModeRC Mode = iota
	// ModeAll touches every jail.
	ModeAll
)

type Entry struct {
	ID       string
	Priority int
	Boot     bool
}

// BootOrder sorts by priority, ascending for start and descending for stop.
// Equal priorities keep their input order.
func BootOrder(entries []Entry, action Action) []Entry {
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if action == Stop {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Tiers groups ordered entries by equal priority.
func Tiers(ordered []Entry) [][]Entry {
	var tiers [][]Entry
	for i, e := range ordered {
		if i == 0 || e.Priority != ordered[i-1].Priority {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], e)
	}
	return tiers
}

type Liveness interface {
	State(ctx context.Context, id string) (jail.State, error)
}

type Lifecycle interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) (besteffort.Report, error)
}

type Orchestrator struct {
	Topology  *topology.Manager
	Store     *jailconf.Store
	Jails     Liveness
	Lifecycle Lifecycle
	// Parallelism bounds the jails of one priority tier handled at once.
	Parallelism int
	Sink        *report.Sink
}

// Entries reads the priority and boot flag of every jail. Jails whose
// config cannot be read are skipped with a warning.
func (o *Orchestrator) Entries(ctx context.Context) ([]Entry, error) {
	resources, err := o.Topology.List(ctx)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, r := range resources {
		if r.IsTemplate() {
			continue
		}
		cfg, err := o.Store.Load(ctx, r.Path)
		if err != nil {
			o.Sink.Warn("Skipping jail with unreadable configuration", "jail", r.ID, "error", err)
			continue
		}
		entries = append(entries, Entry{ID: r.ID, Priority: cfg.Priority(), Boot: cfg.Boot()})
	}
	return entries, nil
}

// Run applies action to the selected jails tier by tier. A tier only starts
// once every jail of the previous one has returned. Failures do not stop the
// run; they are joined into the returned error.
func (o *Orchestrator) Run(ctx context.Context, action Action, mode Mode) error {
	entries, err := o.Entries(ctx)
	if err != nil {
		return err
	}
	var selected []Entry
	for _, e := range entries {
		if mode == ModeRC && !e.Boot {
			continue
		}
		selected = append(selected, e)
	}

	limit := o.Parallelism
	if limit < 1 {
		limit = 1
	}
	var (
		mu     sync.Mutex
		failed []error
	)
	for _, tier := range Tiers(BootOrder(selected, action)) {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(failed, err)...)
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for _, e := range tier {
			g.Go(func() error {
				if err := o.one(ctx, action, e.ID); err != nil {
					mu.Lock()
					failed = append(failed, fmt.Errorf("%s: %w", e.ID, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(failed...)
}

func (o *Orchestrator) one(ctx context.Context, action Action, id string) error {
	st, err := o.Jails.State(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case action == Start && st.Running:
		o.Sink.Info(fmt.Sprintf("%s is already running, skipping", id))
		return nil
	case action == Stop && !st.Running:
		o.Sink.Info(fmt.Sprintf("%s is not running, skipping", id))
		return nil
	case action == Start:
		return o.Lifecycle.Start(ctx, id)
	}
	rep, err := o.Lifecycle.Stop(ctx, id)
	if err != nil {
		return err
	}
	if !rep.OK() {
		o.Sink.Warn("Jail did not stop cleanly", "jail", id, "error", rep.Err())
	}
	return nil
}

// Clean destroys everything in category without stopping jails first. "all"
// removes the iocage dataset itself and deactivates the pool.
func (o *Orchestrator) Clean(ctx context.Context, category string) error {
	switch category {
	case pool.Jails, pool.Releases, pool.Templates, pool.Images:
		if err := o.Topology.DestroyCategory(ctx, category); err != nil {
			return err
		}
		o.Sink.Info(fmt.Sprintf("All iocage %s destroyed", category))
		return nil
	case "all":
		if err := o.Topology.DestroyLayout(ctx); err != nil {
			return err
		}
		name := o.Topology.Pool.Name
		if err := o.Topology.ZFS.SetProperty(ctx, name, zfs.ActiveProperty, "no"); err != nil {
			return fmt.Errorf("failed to deactivate %s: %w", name, err)
		}
		o.Sink.Info("All iocage datasets destroyed")
		return nil
	}
	return errs.New(errs.CodeInvalidPropertyValue,
		"Please specify what to clean: jails, releases, templates, images or all")
}
