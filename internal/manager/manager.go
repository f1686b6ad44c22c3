// Package manager is the property and listing facade the CLI talks to. It
// combines the topology, the config store and the OS jail table.
package manager

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/fstab"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

// Jails is the part of the OS jail table the manager needs.
type Jails interface {
	State(ctx context.Context, id string) (jail.State, error)
	Modify(ctx context.Context, jid int, key, value string) error
	Params(ctx context.Context) (map[string]bool, error)
}

type Releases interface {
	List(ctx context.Context) ([]string, error)
}

type Manager struct {
	Topology *topology.Manager
	Store    *jailconf.Store
	Jails    Jails
	Releases Releases
	Sink     *report.Sink
	Now      func() time.Time
}

func (m *Manager) zfs() zfs.Interface { return m.Topology.ZFS }

// Row is one line of the jail listing.
type Row struct {
	JID      string
	ID       string
	Boot     string
	State    string
	Type     string
	Release  string
	IP4      string
	Template string
}

type ListOptions struct {
	// Templates lists templates instead of jails.
	Templates bool
	Full      bool
}

// List describes every jail, or every template, sorted by id. A jail whose
// config cannot be read is still listed, with its fields left as "-".
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]Row, error) {
	resources, err := m.Topology.List(ctx)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, r := range resources {
		if r.IsTemplate() != opts.Templates {
			continue
		}
		row, err := m.row(ctx, r, opts.Full)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Manager) row(ctx context.Context, r topology.Resource, full bool) (Row, error) {
	row := Row{JID: "-", ID: r.ID, Boot: "-", State: "down", Type: "-", Release: "-", IP4: "-", Template: "-"}
	st, err := m.Jails.State(ctx, r.ID)
	if err != nil {
		return Row{}, err
	}
	if st.Running {
		row.JID, row.State = strconv.Itoa(st.JID), "up"
	}

	cfg, err := m.Store.Load(ctx, r.Path)
	if err != nil {
		m.Sink.Warn("Could not read configuration", "jail", r.ID, "error", err)
		return row, nil
	}
	row.Boot = cfg.Get("boot")
	row.Type = cfg.Kind().String()
	row.Release = cfg.Release()
	row.IP4 = shortIP(cfg.Get("ip4_addr"))
	if full {
		if ip := cfg.Get("ip4_addr"); ip != "" && ip != "none" {
			row.IP4 = ip
		}
	}
	if !r.IsTemplate() {
		row.Template = m.templateOf(ctx, r)
	}
	return row, nil
}

// shortIP is the first address of an ip4_addr value without its interface
// and prefix length.
func shortIP(value string) string {
	first, _, _ := strings.Cut(value, ",")
	first = strings.TrimSpace(first)
	if _, addr, ok := strings.Cut(first, "|"); ok {
		first = addr
	}
	first, _, _ = strings.Cut(first, "/")
	if first == "" || first == "none" {
		return "-"
	}
	return first
}

// templateOf names the template a jail's root was cloned from, "-" for
// jails made from a release or another jail.
func (m *Manager) templateOf(ctx context.Context, r topology.Resource) string {
	origin, err := m.zfs().GetProperty(ctx, r.RootDataset(), "origin")
	if err != nil {
		return "-"
	}
	ds, _, ok := zfs.SnapshotName(origin)
	if !ok {
		return "-"
	}
	rest, ok := strings.CutPrefix(ds, m.Topology.Pool.CategoryDataset(pool.Templates)+"/")
	if !ok {
		return "-"
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.SetAutoWrapText(false)
	return table
}

// Render writes rows as a table.
func Render(w io.Writer, rows []Row, full bool) {
	header := []string{"JID", "NAME", "STATE", "RELEASE", "IP4"}
	if full {
		header = []string{"JID", "NAME", "BOOT", "STATE", "TYPE", "RELEASE", "IP4", "TEMPLATE"}
	}
	table := newTable(w, header)
	for _, r := range rows {
		if full {
			table.Append([]string{r.JID, r.ID, r.Boot, r.State, r.Type, r.Release, r.IP4, r.Template})
		} else {
			table.Append([]string{r.JID, r.ID, r.State, r.Release, r.IP4})
		}
	}
	table.Render()
}

// ListReleases returns the fetched releases, sorted.
func (m *Manager) ListReleases(ctx context.Context) ([]string, error) {
	rels, err := m.Releases.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

func RenderReleases(w io.Writer, releases []string) {
	table := newTable(w, []string{"Bases fetched"})
	for _, r := range releases {
		table.Append([]string{r})
	}
	table.Render()
}

// RenderSnapshots writes a jail's snapshots as a table.
func RenderSnapshots(w io.Writer, snaps []topology.SnapshotInfo) {
	table := newTable(w, []string{"NAME", "CREATED", "RSIZE", "USED"})
	for _, s := range snaps {
		table.Append([]string{s.Name, s.Created, s.Referenced, s.Used})
	}
	table.Render()
}

// RenderFstab writes fstab lines with their index.
func RenderFstab(w io.Writer, lines []fstab.Listing) {
	table := newTable(w, []string{"INDEX", "FSTAB ENTRY"})
	for _, l := range lines {
		table.Append([]string{strconv.Itoa(l.Index), l.Entry})
	}
	table.Render()
}

// Fstab returns an editor for the fstab of id.
func (m *Manager) Fstab(ctx context.Context, id string, run command.Runner) (*fstab.Editor, error) {
	res, err := m.Topology.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return &fstab.Editor{
		ID:       res.ID,
		Path:     filepath.Join(res.Path, fstab.FileName),
		JailRoot: res.RootPath(),
		Run:      run,
		Jails:    m.Jails,
		Sink:     m.Sink,
	}, nil
}

// Snapshots lists the snapshots of a jail or template.
func (m *Manager) Snapshots(ctx context.Context, id string) ([]topology.SnapshotInfo, error) {
	return m.Topology.Snapshots(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (topology.Resource, *jailconf.Config, error) {
	res, err := m.Topology.Resolve(ctx, id)
	if err != nil {
		return topology.Resource{}, nil, err
	}
	cfg, err := m.Store.Load(ctx, res.Path)
	if err != nil {
		return topology.Resource{}, nil, err
	}
	return res, cfg, nil
}

// Get returns one property. Besides config keys it answers "state", "jid"
// and the dataset properties.
func (m *Manager) Get(ctx context.Context, id, key string) (string, error) {
	res, cfg, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	switch key {
	case "state", "jid":
		st, err := m.Jails.State(ctx, res.ID)
		if err != nil {
			return "", err
		}
		switch {
		case key == "jid" && st.Running:
			return strconv.Itoa(st.JID), nil
		case key == "jid":
			return "-", nil
		case st.Running:
			return "up", nil
		}
		return "down", nil
	}
	if jailconf.IsZFSProperty(key) {
		return m.zfs().GetProperty(ctx, res.Dataset, key)
	}
	_, known := cfg.Map()[key]
	if _, settable := jailconf.Table[key]; !known && !settable {
		return "", errs.New(errs.CodeUnknownProperty, "%s is not a valid property!", key)
	}
	v := cfg.Get(key)
	if key == "last_started" && v == "none" {
		return "never", nil
	}
	return v, nil
}

// Properties returns the whole configuration of a jail.
func (m *Manager) Properties(ctx context.Context, id string) (map[string]string, error) {
	_, cfg, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return cfg.Map(), nil
}

// RenderProperties writes props as sorted "key:value" lines.
func RenderProperties(w io.Writer, props map[string]string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s:%s\n", k, props[k])
	}
}

// Set validates and stores one property. template=yes|no converts between
// jail and template. Dataset properties go to the jail dataset. When the
// jail is running, keys that map to a jail(8) parameter the kernel knows
// are applied live as well.
func (m *Manager) Set(ctx context.Context, id, key, value string) error {
	v, err := jailconf.Validate(key, value, jailconf.ModeUser)
	if err != nil {
		return err
	}
	res, cfg, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	if key == "template" {
		if v == "yes" {
			_, err = m.Topology.ConvertToTemplate(ctx, res.ID)
		} else {
			_, err = m.Topology.ConvertToJail(ctx, res.ID)
		}
		return err
	}

	st, err := m.Jails.State(ctx, res.ID)
	if err != nil {
		return err
	}
	if st.Running && (strings.HasPrefix(key, "jail_zfs") || key == "dhcp") {
		return errs.New(errs.CodeAlreadyRunning, "%s is running.\nPlease stop it before changing %s!", res.ID, key)
	}

	if jailconf.IsZFSProperty(key) {
		if err := m.zfs().SetProperty(ctx, res.Dataset, key, v); err != nil {
			return err
		}
	} else {
		cfg.Set(key, v)
		if err := m.Store.Write(ctx, res.Path, cfg); err != nil {
			return err
		}
	}
	m.Sink.Info(fmt.Sprintf("Property: %s has been updated to %s", key, v))

	if !st.Running {
		return nil
	}
	return m.applyLive(ctx, cfg, st.JID, key, v)
}

func (m *Manager) applyLive(ctx context.Context, cfg *jailconf.Config, jid int, key, value string) error {
	param := jail.ParamName(key)
	// VNET jails configure their addresses inside the jail.
	if cfg.VNET() && (param == "ip4.addr" || param == "ip6.addr") {
		return nil
	}
	params, err := m.Jails.Params(ctx)
	if err != nil {
		return err
	}
	if !params[param] {
		return nil
	}
	return m.Jails.Modify(ctx, jid, param, value)
}
