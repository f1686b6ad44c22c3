// Package zfs wraps the zfs(8) and zpool(8) commands used to manage jail
// datasets. Every operation either succeeds or fails with an errs code:
// NotFound, AlreadyExists or CommandFailed.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"zjm/internal/command"
	"zjm/internal/errs"
)

const (
	// ActiveProperty marks the pool that holds the iocage tree.
	ActiveProperty = "org.freebsd.ioc:active"
	// LegacyPropertyPrefix prefixes per-jail user properties of very old
	// configurations.
	LegacyPropertyPrefix = "org.freebsd.iocage:"
	// NoValue is what zfs prints for an unset property.
	NoValue = "-"
)

type DestroyOptions struct {
	// Recursive destroys children and snapshots (-r).
	Recursive bool
	// Force also destroys dependent clones and unmounts (-R -f).
	Force bool
}

type Interface interface {
	Exists(ctx context.Context, name string) (bool, error)
	GetProperty(ctx context.Context, name, key string) (string, error)
	Properties(ctx context.Context, name string) (map[string]string, error)
	SetProperty(ctx context.Context, name, key, value string) error
	Create(ctx context.Context, name string, props map[string]string) error
	Destroy(ctx context.Context, name string, opts DestroyOptions) error
	Rename(ctx context.Context, oldName, newName string, forceUnmount bool) error
	RenameSnapshot(ctx context.Context, snapshot, newSnap string, recursive bool) error
	Clone(ctx context.Context, snapshot, target string, props map[string]string) error
	Snapshot(ctx context.Context, name, snap string, recursive bool) error
	Rollback(ctx context.Context, snapshot string, destroyLatest bool) error
	Promote(ctx context.Context, name string) error
	Mount(ctx context.Context, name string) error
	Umount(ctx context.Context, name string, force bool) error
	// ListDependents returns name and the filesystems below it, parent
	// first. depth <= 0 means unlimited.
	ListDependents(ctx context.Context, name string, depth int) ([]string, error)
	ListSnapshots(ctx context.Context, name string, recursive bool) ([]string, error)
	Jail(ctx context.Context, jailName, name string) error
	Unjail(ctx context.Context, jailName, name string) error
	DatasetForMountpoint(ctx context.Context, path string) (string, error)
	Pools(ctx context.Context) ([]string, error)
	// Send streams snapshot to w and returns the BLAKE3 of the stream.
	Send(ctx context.Context, snapshot string, w io.Writer) (string, error)
	Receive(ctx context.Context, target string, r io.Reader, force bool) error
}

type Client struct {
	run   command.Runner
	cache *Cache
}

var _ Interface = (*Client)(nil)

func NewClient(run command.Runner, cache *Cache) *Client {
	return &Client{run: run, cache: cache}
}

func (c *Client) Cache() *Cache {
	return c.cache
}

func (c *Client) zfs(ctx context.Context, args ...string) ([]byte, error) {
	out, err := c.run.Run(ctx, command.New("zfs", args...))
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

// classify maps zfs stderr onto the error taxonomy.
func classify(err error) error {
	stderr := command.Stderr(err)
	switch {
	case strings.Contains(stderr, "does not exist"), strings.Contains(stderr, "no such pool"):
		return errs.Wrap(errs.CodeNotFound, err, "zfs")
	case strings.Contains(stderr, "already exists"):
		return errs.Wrap(errs.CodeAlreadyExists, err, "zfs")
	}
	return err
}

func datasetOf(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}

func propArgs(props map[string]string) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		args = append(args, "-o", k+"="+props[k])
	}
	return args
}

func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	if _, ok := c.cache.Properties(name); ok {
		return true, nil
	}
	_, err := c.zfs(ctx, "list", "-H", "-t", "all", "-o", "name", name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.NotFound) {
		return false, nil
	}
	return false, err
}

func (c *Client) Properties(ctx context.Context, name string) (map[string]string, error) {
	if p, ok := c.cache.Properties(name); ok {
		return p, nil
	}
	out, err := c.zfs(ctx, "get", "-H", "-o", "property,value", "all", name)
	if err != nil {
		return nil, fmt.Errorf("get properties of %s: %w", name, err)
	}
	props := map[string]string{}
	for _, l := range lines(out) {
		k, v, ok := strings.Cut(l, "\t")
		if !ok {
			continue
		}
		props[k] = v
	}
	c.cache.StoreProperties(name, props)
	return props, nil
}

func (c *Client) GetProperty(ctx context.Context, name, key string) (string, error) {
	props, err := c.Properties(ctx, name)
	if err != nil {
		return "", err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return NoValue, nil
}

func (c *Client) SetProperty(ctx context.Context, name, key, value string) error {
	defer c.cache.Invalidate(name)
	if _, err := c.zfs(ctx, "set", key+"="+value, name); err != nil {
		return fmt.Errorf("set %s=%s on %s: %w", key, value, name, err)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, name string, props map[string]string) error {
	defer c.cache.Invalidate(name)
	args := append([]string{"create", "-p"}, propArgs(props)...)
	if _, err := c.zfs(ctx, append(args, name)...); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func (c *Client) Destroy(ctx context.Context, name string, opts DestroyOptions) error {
	defer c.cache.Invalidate(name)
	args := []string{"destroy"}
	if opts.Recursive {
		args = append(args, "-r")
	}
	if opts.Force {
		args = append(args, "-R", "-f")
	}
	if _, err := c.zfs(ctx, append(args, name)...); err != nil {
		return fmt.Errorf("destroy %s: %w", name, err)
	}
	return nil
}

func (c *Client) Rename(ctx context.Context, oldName, newName string, forceUnmount bool) error {
	defer c.cache.Invalidate(oldName, newName)
	args := []string{"rename"}
	if forceUnmount {
		args = append(args, "-f")
	}
	if _, err := c.zfs(ctx, append(args, oldName, newName)...); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldName, newName, err)
	}
	return nil
}

func (c *Client) RenameSnapshot(ctx context.Context, snapshot, newSnap string, recursive bool) error {
	defer c.cache.Invalidate(snapshot)
	args := []string{"rename"}
	if recursive {
		args = append(args, "-r")
	}
	if _, err := c.zfs(ctx, append(args, snapshot, "@"+newSnap)...); err != nil {
		return fmt.Errorf("rename snapshot %s to @%s: %w", snapshot, newSnap, err)
	}
	return nil
}

func (c *Client) Clone(ctx context.Context, snapshot, target string, props map[string]string) error {
	defer c.cache.Invalidate(target, snapshot)
	args := append([]string{"clone", "-p"}, propArgs(props)...)
	if _, err := c.zfs(ctx, append(args, snapshot, target)...); err != nil {
		return fmt.Errorf("clone %s to %s: %w", snapshot, target, err)
	}
	return nil
}

func (c *Client) Snapshot(ctx context.Context, name, snap string, recursive bool) error {
	defer c.cache.Invalidate(name)
	args := []string{"snapshot"}
	if recursive {
		args = append(args, "-r")
	}
	full := name + "@" + snap
	if _, err := c.zfs(ctx, append(args, full)...); err != nil {
		return fmt.Errorf("snapshot %s: %w", full, err)
	}
	return nil
}

func (c *Client) Rollback(ctx context.Context, snapshot string, destroyLatest bool) error {
	defer c.cache.Invalidate(snapshot)
	args := []string{"rollback"}
	if destroyLatest {
		args = append(args, "-r")
	}
	if _, err := c.zfs(ctx, append(args, snapshot)...); err != nil {
		return fmt.Errorf("rollback %s: %w", snapshot, err)
	}
	return nil
}

func (c *Client) Promote(ctx context.Context, name string) error {
	defer c.cache.Invalidate(name)
	if _, err := c.zfs(ctx, "promote", name); err != nil {
		return fmt.Errorf("promote %s: %w", name, err)
	}
	return nil
}

func (c *Client) Mount(ctx context.Context, name string) error {
	defer c.cache.Invalidate(name)
	if _, err := c.zfs(ctx, "mount", name); err != nil {
		return fmt.Errorf("mount %s: %w", name, err)
	}
	return nil
}

func (c *Client) Umount(ctx context.Context, name string, force bool) error {
	defer c.cache.Invalidate(name)
	args := []string{"umount"}
	if force {
		args = append(args, "-f")
	}
	if _, err := c.zfs(ctx, append(args, name)...); err != nil {
		return fmt.Errorf("umount %s: %w", name, err)
	}
	return nil
}

func (c *Client) ListDependents(ctx context.Context, name string, depth int) ([]string, error) {
	if d, ok := c.cache.Dependents(name, depth); ok {
		return d, nil
	}
	args := []string{"list", "-rH", "-o", "name", "-t", "filesystem"}
	if depth > 0 {
		args = append(args, "-d", strconv.Itoa(depth))
	}
	out, err := c.zfs(ctx, append(args, name)...)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", name, err)
	}
	deps := lines(out)
	c.cache.StoreDependents(name, depth, deps)
	return deps, nil
}

func (c *Client) ListSnapshots(ctx context.Context, name string, recursive bool) ([]string, error) {
	args := []string{"list", "-H", "-t", "snapshot", "-o", "name", "-s", "creation"}
	if recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d", "1")
	}
	out, err := c.zfs(ctx, append(args, name)...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", name, err)
	}
	return lines(out), nil
}

func (c *Client) Jail(ctx context.Context, jailName, name string) error {
	defer c.cache.Invalidate(name)
	if _, err := c.zfs(ctx, "jail", jailName, name); err != nil {
		return fmt.Errorf("zfs jail %s into %s: %w", name, jailName, err)
	}
	return nil
}

func (c *Client) Unjail(ctx context.Context, jailName, name string) error {
	defer c.cache.Invalidate(name)
	if _, err := c.zfs(ctx, "unjail", jailName, name); err != nil {
		return fmt.Errorf("zfs unjail %s from %s: %w", name, jailName, err)
	}
	return nil
}

func (c *Client) DatasetForMountpoint(ctx context.Context, path string) (string, error) {
	out, err := c.zfs(ctx, "list", "-H", "-o", "name", path)
	if err != nil {
		return "", fmt.Errorf("dataset for %s: %w", path, err)
	}
	l := lines(out)
	if len(l) == 0 {
		return "", errs.New(errs.CodeNotFound, "no dataset mounted at %s", path)
	}
	return l[0], nil
}

func (c *Client) Pools(ctx context.Context) ([]string, error) {
	out, err := c.run.Run(ctx, command.New("zpool", "list", "-H", "-o", "name"))
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", classify(err))
	}
	return lines(out), nil
}

// Send holds the snapshot for the duration of the stream so it cannot be
// destroyed underneath it.
func (c *Client) Send(ctx context.Context, snapshot string, w io.Writer) (string, error) {
	holdTag := fmt.Sprintf("zjm:%d", time.Now().Unix())
	if _, err := c.zfs(ctx, "hold", holdTag, snapshot); err != nil {
		return "", fmt.Errorf("failed to hold snapshot: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.zfs(releaseCtx, "release", holdTag, snapshot); err != nil {
			slog.Warn("Failed to release snapshot hold", "holdTag", holdTag, "error", err)
		}
	}()

	hasher := blake3.New()
	cmd := command.New("zfs", "send", snapshot)
	cmd.Stdout = io.MultiWriter(w, hasher)
	if _, err := c.run.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("zfs send %s: %w", snapshot, classify(err))
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

func (c *Client) Receive(ctx context.Context, target string, r io.Reader, force bool) error {
	defer c.cache.Invalidate(target)
	args := []string{"receive"}
	if force {
		args = append(args, "-F")
	}
	cmd := command.New("zfs", append(args, target)...)
	cmd.Stdin = r
	if _, err := c.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("zfs receive %s: %w", target, classify(err))
	}
	return nil
}

// SnapshotName splits "ds@snap" into its parts.
func SnapshotName(full string) (dataset, snap string, ok bool) {
	return strings.Cut(full, "@")
}
