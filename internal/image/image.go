// Package image exports a jail as a directory of zfs send streams plus a
// manifest, and imports such a directory back into the pool.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/schollz/progressbar/v3"

	"zjm/internal/crypto"
	"zjm/internal/errs"
	"zjm/internal/manifest"
	"zjm/internal/pool"
	"zjm/internal/remote"
	"zjm/internal/report"
	"zjm/internal/topology"
	"zjm/internal/zfs"
)

const (
	DateFormat     = "2006-01-02"
	snapshotPrefix = "ioc-export-"
)

type Images struct {
	Topology *topology.Manager
	// Recipient encrypts exported streams; nil writes them in the clear.
	Recipient age.Recipient
	// Identity decrypts imported streams.
	Identity age.Identity
	// Remote, when set, receives every export and is consulted by import
	// for images missing locally.
	Remote remote.Store
	// Progress shows a byte counter per stream; nil disables it.
	Progress io.Writer
	System   manifest.SystemInfo
	Sink     *report.Sink
	Now      func() time.Time
}

func (im *Images) pool() pool.Context  { return im.Topology.Pool }
func (im *Images) zfs() zfs.Interface { return im.Topology.ZFS }

func (im *Images) now() time.Time {
	if im.Now != nil {
		return im.Now()
	}
	return time.Now()
}

// streamFile names the file holding the stream of rel, the dataset path
// below the jail dataset.
func streamFile(id, rel string, encrypted bool) string {
	name := id
	if rel != "" {
		name += "_" + strings.ReplaceAll(rel, "/", "_")
	}
	name += ".zfs"
	if encrypted {
		name += ".age"
	}
	return name
}

func (im *Images) bar(total int64, desc string) *progressbar.ProgressBar {
	w := im.Progress
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
	)
}

// progress wraps w with a progress bar when one is configured.
func (im *Images) progress(w io.Writer, total int64, desc string) (io.Writer, func()) {
	if im.Progress == nil {
		return w, func() {}
	}
	bar := im.bar(total, desc)
	return io.MultiWriter(w, bar), func() { _ = bar.Finish() }
}

// Export snapshots a stopped jail or template recursively and writes one
// stream per dataset into images/<id>_<date>/. The export snapshots are
// removed again afterwards. It returns the image directory.
func (im *Images) Export(ctx context.Context, id string) (string, error) {
	res, err := im.Topology.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	st, err := im.Topology.Jails.State(ctx, res.ID)
	if err != nil {
		return "", err
	}
	if st.Running {
		return "", errs.New(errs.CodeAlreadyRunning, "%s is running, stop the jail before exporting it.", res.ID)
	}
	cfg, err := im.Topology.Store.Load(ctx, res.Path)
	if err != nil {
		return "", err
	}

	now := im.now().UTC()
	date := now.Format(DateFormat)
	name := res.ID + "_" + date
	dir := filepath.Join(im.pool().ImagesPath(), name)
	if _, err := os.Stat(dir); err == nil {
		return "", errs.New(errs.CodeAlreadyExists, "Image %s already exists!", dir)
	}

	snap := snapshotPrefix + date
	if err := im.zfs().Snapshot(ctx, res.Dataset, snap, true); err != nil {
		return "", fmt.Errorf("failed to snapshot %s: %w", res.Dataset, err)
	}
	tree, err := im.zfs().ListDependents(ctx, res.Dataset, 0)
	if err != nil {
		return "", err
	}
	defer im.dropSnapshots(context.WithoutCancel(ctx), tree, snap)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	m := &manifest.Image{
		Name:     name,
		ID:       res.ID,
		Category: res.Category,
		Release:  cfg.Release(),
		Datetime: now.Unix(),
		System:   im.System,
		Pool:     im.pool().Name,
		Snapshot: snap,
	}
	if im.Recipient != nil {
		if s, ok := im.Recipient.(fmt.Stringer); ok {
			m.AgePublicKey = s.String()
		} else {
			m.AgePublicKey = "unknown"
		}
	}

	for _, ds := range tree {
		rel := strings.TrimPrefix(strings.TrimPrefix(ds, res.Dataset), "/")
		im.Sink.Info(fmt.Sprintf("Exporting dataset: %s", ds))
		s, err := im.send(ctx, dir, res.ID, rel, ds+"@"+snap)
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
		m.Streams = append(m.Streams, s)
	}

	if im.Remote != nil {
		m.S3Path = name
	}
	if err := manifest.Write(filepath.Join(dir, manifest.FileName), m); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if im.Remote != nil {
		if err := im.upload(ctx, dir, m); err != nil {
			return dir, err
		}
	}
	im.Sink.Info(fmt.Sprintf("Exported: %s", dir))
	return dir, nil
}

// send writes one dataset's stream to dir. The hash covers the bytes on
// disk, so it can be checked before decrypting.
func (im *Images) send(ctx context.Context, dir, id, rel, snapshot string) (manifest.Stream, error) {
	file := streamFile(id, rel, im.Recipient != nil)
	path := filepath.Join(dir, file)
	f, err := os.Create(path)
	if err != nil {
		return manifest.Stream{}, err
	}
	defer f.Close()

	hasher := crypto.NewHasher()
	enc, err := crypto.Encrypt(io.MultiWriter(f, hasher), im.Recipient)
	if err != nil {
		return manifest.Stream{}, fmt.Errorf("age encryption failed: %w", err)
	}
	w, done := im.progress(enc, -1, "Exporting "+snapshot)
	_, err = im.zfs().Send(ctx, snapshot, w)
	done()
	if err != nil {
		return manifest.Stream{}, err
	}
	if err := enc.Close(); err != nil {
		return manifest.Stream{}, fmt.Errorf("age encryption failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return manifest.Stream{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return manifest.Stream{}, err
	}
	return manifest.Stream{Dataset: rel, File: file, Blake3Hash: crypto.Sum(hasher), Bytes: info.Size()}, nil
}

func (im *Images) upload(ctx context.Context, dir string, m *manifest.Image) error {
	for _, s := range m.Streams {
		if err := im.Remote.Put(ctx, path.Join(m.Name, s.File), filepath.Join(dir, s.File), s.Blake3Hash); err != nil {
			return fmt.Errorf("failed to upload %s: %w", s.File, err)
		}
	}
	mf := filepath.Join(dir, manifest.FileName)
	sum, err := crypto.BLAKE3File(mf)
	if err != nil {
		return err
	}
	// The manifest goes last so a remote image is only visible once complete.
	if err := im.Remote.Put(ctx, path.Join(m.Name, manifest.FileName), mf, sum); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	im.Sink.Info(fmt.Sprintf("Uploaded: %s", m.Name))
	return nil
}

func (im *Images) dropSnapshots(ctx context.Context, datasets []string, snap string) {
	for _, ds := range datasets {
		full := ds + "@" + snap
		if err := im.zfs().Destroy(ctx, full, zfs.DestroyOptions{}); err != nil && !errors.Is(err, errs.NotFound) {
			im.Sink.Warn("Failed to remove export snapshot", "snapshot", full, "error", err)
		}
	}
}

// find returns the one local image whose name starts with name.
func (im *Images) find(name string) (string, error) {
	entries, err := os.ReadDir(im.pool().ImagesPath())
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), name) {
			matches = append(matches, e.Name())
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", errs.New(errs.CodeNotFound, "%s not found!", name)
	case 1:
		return filepath.Join(im.pool().ImagesPath(), matches[0]), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple images found for %s:", name)
	for _, m := range matches {
		fmt.Fprintf(&b, "\n  %s", m)
	}
	return "", errs.New(errs.CodeInvalidName, "%s", b.String())
}

// fetch downloads the image name from the remote into images/.
func (im *Images) fetch(ctx context.Context, name string) (string, error) {
	dir := filepath.Join(im.pool().ImagesPath(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	mf := filepath.Join(dir, manifest.FileName)
	if err := im.Remote.Get(ctx, path.Join(name, manifest.FileName), mf); err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, errs.NotFound) {
			return "", errs.Wrap(errs.CodeNotFound, err, "%s not found!", name)
		}
		return "", err
	}
	m, err := manifest.Read(mf)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	for _, s := range m.Streams {
		if err := im.Remote.Get(ctx, path.Join(name, s.File), filepath.Join(dir, s.File)); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("failed to download %s: %w", s.File, err)
		}
	}
	im.Sink.Info(fmt.Sprintf("Downloaded: %s", name))
	return dir, nil
}

// Import receives the image whose name starts with name under its original
// id. Every stream is verified before anything is received; a failed
// receive removes what was already received.
func (im *Images) Import(ctx context.Context, name string) (topology.Resource, error) {
	dir, err := im.find(name)
	if errors.Is(err, errs.NotFound) && im.Remote != nil {
		dir, err = im.fetch(ctx, name)
	}
	if err != nil {
		return topology.Resource{}, err
	}
	m, err := manifest.Read(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return topology.Resource{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := topology.ValidateName(m.ID); err != nil {
		return topology.Resource{}, err
	}
	category := m.Category
	if category != pool.Templates {
		category = pool.Jails
	}
	for _, ds := range []string{im.pool().Jail(m.ID), im.pool().Template(m.ID)} {
		taken, err := im.zfs().Exists(ctx, ds)
		if err != nil {
			return topology.Resource{}, err
		}
		if taken {
			return topology.Resource{}, errs.New(errs.CodeAlreadyExists, "Jail: %s already exists!", m.ID)
		}
	}
	if m.Encrypted() && im.Identity == nil {
		return topology.Resource{}, fmt.Errorf("image %s is encrypted, a private key is required", m.Name)
	}

	streams := append([]manifest.Stream(nil), m.Streams...)
	sort.SliceStable(streams, func(i, j int) bool { return depth(streams[i].Dataset) < depth(streams[j].Dataset) })
	for _, s := range streams {
		if err := crypto.Verify(filepath.Join(dir, s.File), s.Blake3Hash); err != nil {
			return topology.Resource{}, errs.Wrap(errs.CodeConfigCorrupt, err, "image %s is damaged", m.Name)
		}
	}

	target := im.pool().CategoryDataset(category) + "/" + m.ID
	var received []string
	for _, s := range streams {
		ds := target
		if s.Dataset != "" {
			ds += "/" + s.Dataset
		}
		im.Sink.Info(fmt.Sprintf("Importing dataset: %s", ds))
		if err := im.receive(ctx, filepath.Join(dir, s.File), ds, s.Bytes, m.Encrypted()); err != nil {
			im.abort(context.WithoutCancel(ctx), target)
			return topology.Resource{}, err
		}
		received = append(received, ds)
	}
	im.dropSnapshots(context.WithoutCancel(ctx), received, m.Snapshot)
	if category == pool.Templates {
		if err := im.zfs().SetProperty(ctx, target, "readonly", "on"); err != nil {
			return topology.Resource{}, err
		}
	}

	res, err := im.Topology.Resolve(ctx, m.ID)
	if err != nil {
		return topology.Resource{}, err
	}
	if _, err := im.Topology.Store.Load(ctx, res.Path); err != nil {
		return topology.Resource{}, err
	}
	im.Sink.Info(fmt.Sprintf("Imported: %s", m.ID))
	return res, nil
}

func depth(rel string) int {
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func (im *Images) receive(ctx context.Context, file, dataset string, size int64, encrypted bool) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if im.Progress != nil {
		bar := im.bar(size, "Importing "+dataset)
		defer func() { _ = bar.Finish() }()
		r = io.TeeReader(f, bar)
	}
	if encrypted {
		if r, err = crypto.Decrypt(r, im.Identity); err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
	}
	return im.zfs().Receive(ctx, dataset, r, true)
}

func (im *Images) abort(ctx context.Context, target string) {
	ok, err := im.zfs().Exists(ctx, target)
	if err != nil || !ok {
		return
	}
	if err := im.zfs().Destroy(ctx, target, zfs.DestroyOptions{Recursive: true, Force: true}); err != nil {
		im.Sink.Warn("Failed to remove partially imported dataset", "dataset", target, "error", err)
	}
}
