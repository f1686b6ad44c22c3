// Package fstab reads and edits the per-jail fstab file that is mounted
// into the jail root on start.
package fstab

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"zjm/internal/command"
	"zjm/internal/errs"
	"zjm/internal/jail"
	"zjm/internal/report"
)

const (
	FileName = "fstab"
	fileMode = 0o644
	// Trailer prefixes the comment appended to lines written by zjm. The
	// wording is kept so files stay compatible with iocage.
	Trailer = "# Added by iocage on "
	// mount(8) starts failing beyond this destination length.
	maxDestLen = 88
)

// BaseDirs are the directories of a release that a basejail mounts
// read-only instead of carrying its own copy.
var BaseDirs = []string{
	"bin", "boot", "lib", "libexec", "rescue", "sbin",
	"usr/bin", "usr/include", "usr/lib", "usr/libexec", "usr/sbin",
	"usr/share", "usr/libdata", "usr/lib32",
}

type Entry struct {
	Source  string
	Dest    string
	Type    string
	Options string
	Dump    string
	Pass    string
}

// String renders the entry as a tab separated fstab line without trailer.
func (e Entry) String() string {
	return strings.Join([]string{e.Source, e.Dest, e.Type, e.Options, e.Dump, e.Pass}, "\t")
}

// ParseLine parses one fstab line. A trailing comment is ignored.
func ParseLine(line string) (Entry, error) {
	body, _, _ := strings.Cut(line, "#")
	fields := strings.Split(strings.TrimRight(body, " \t"), "\t")
	if len(fields) < 6 {
		return Entry{}, fmt.Errorf("expected 6 tab separated fields, got %d", len(fields))
	}
	pass := strings.Fields(fields[5])
	if len(pass) == 0 {
		return Entry{}, errors.New("pass field is empty")
	}
	return Entry{
		Source:  fields[0],
		Dest:    fields[1],
		Type:    fields[2],
		Options: fields[3],
		Dump:    fields[4],
		Pass:    pass[0],
	}, nil
}

// Selector picks fstab lines. It is one of ByIndex, ByEntry or BySource.
type Selector interface {
	selector()
}

type ByIndex struct {
	Index int
}

type ByEntry struct {
	Entry Entry
}

// BySource names only the source path. Added entries mount it read-only at
// the same path inside the jail.
type BySource struct {
	Path string
}

func (ByIndex) selector()  {}
func (ByEntry) selector()  {}
func (BySource) selector() {}

// ParseSelector interprets command line arguments: a lone integer is an
// index, a lone path is a source, and two to six fields are an entry with
// nullfs, ro, 0, 0 filling the missing tail.
func ParseSelector(args []string) (Selector, error) {
	switch n := len(args); {
	case n == 1:
		if i, err := strconv.Atoi(args[0]); err == nil {
			if i < 0 {
				return nil, errs.New(errs.CodeInvalidPropertyValue, "index %d must not be negative", i)
			}
			return ByIndex{Index: i}, nil
		}
		return BySource{Path: args[0]}, nil
	case n >= 2 && n <= 6:
		e := Entry{Type: "nullfs", Options: "ro", Dump: "0", Pass: "0"}
		fields := []*string{&e.Source, &e.Dest, &e.Type, &e.Options, &e.Dump, &e.Pass}
		for i, a := range args {
			*fields[i] = a
		}
		return ByEntry{Entry: e}, nil
	default:
		return nil, errs.New(errs.CodeInvalidPropertyValue,
			"expected an index, a source or up to 6 fstab fields, got %d arguments", n)
	}
}

// Liveness answers whether a jail is running.
type Liveness interface {
	State(ctx context.Context, id string) (jail.State, error)
}

// Editor edits the fstab of one jail. Changes are mirrored into the live
// mount table when the jail is running; mount failures there only warn.
type Editor struct {
	ID string
	// Path is the fstab file.
	Path string
	// JailRoot is the mount path of the jail's root dataset.
	JailRoot string
	Run      command.Runner
	Jails    Liveness
	Sink     *report.Sink
	Now      func() time.Time
}

type Listing struct {
	Index int
	Entry string
}

// Lines returns the file without trailing newlines. A missing file is empty.
func (ed *Editor) Lines() ([]string, error) {
	return ReadLines(ed.Path)
}

// List returns every line with its index, tabs shown as spaces.
func (ed *Editor) List() ([]Listing, error) {
	lines, err := ed.Lines()
	if err != nil {
		return nil, err
	}
	res := make([]Listing, 0, len(lines))
	for i, l := range lines {
		res = append(res, Listing{Index: i, Entry: strings.ReplaceAll(l, "\t", " ")})
	}
	return res, nil
}

// Add appends the selected entry. BySource mounts the path read-only at the
// same location inside the jail; ByIndex is not accepted.
func (ed *Editor) Add(ctx context.Context, sel Selector) (Entry, error) {
	var e Entry
	switch s := sel.(type) {
	case ByEntry:
		e = s.Entry
	case BySource:
		e = Entry{Source: s.Path, Dest: s.Path, Type: "nullfs", Options: "ro", Dump: "0", Pass: "0"}
	default:
		return Entry{}, errs.New(errs.CodeInvalidPropertyValue, "an fstab entry or source path is required to add a mount")
	}
	e.Dest = ed.underRoot(e.Dest)

	lines, err := ed.Lines()
	if err != nil {
		return Entry{}, err
	}
	existing, err := ed.validateAll(lines)
	if err != nil {
		return Entry{}, err
	}
	if err := ed.validateNew(e, existing, -1); err != nil {
		return Entry{}, err
	}
	ed.warnLength(e)

	lines = append(lines, ed.stamp(e))
	if err := WriteLines(ed.Path, lines); err != nil {
		return Entry{}, err
	}
	ed.Sink.Info(fmt.Sprintf("Successfully added mount to %s's fstab", ed.ID))

	if err := ed.mount(ctx, e); err != nil {
		ed.Sink.Warn("Mounting entry failed, check 'mount'", "error", err)
	}
	return e, nil
}

// Remove deletes the selected line: by index, by exact entry, or the first
// entry with the given source.
func (ed *Editor) Remove(ctx context.Context, sel Selector) (Entry, error) {
	lines, err := ed.Lines()
	if err != nil {
		return Entry{}, err
	}

	match := -1
	for i, l := range lines {
		e, perr := ParseLine(l)
		switch s := sel.(type) {
		case ByIndex:
			if i == s.Index {
				match = i
			}
		case ByEntry:
			if perr == nil && stripComment(l) == ed.withRoot(s.Entry).String() {
				match = i
			}
		case BySource:
			if perr == nil && e.Source == s.Path {
				match = i
			}
		}
		if match >= 0 {
			break
		}
	}
	if match < 0 {
		return Entry{}, errs.New(errs.CodeNotFound, "No matching fstab entry.")
	}

	removed, _ := ParseLine(lines[match])
	lines = append(lines[:match:match], lines[match+1:]...)
	if err := WriteLines(ed.Path, lines); err != nil {
		return Entry{}, err
	}
	ed.Sink.Info(fmt.Sprintf("Successfully removed mount from %s's fstab", ed.ID))

	if removed.Dest != "" {
		if err := ed.umount(ctx, removed.Dest); err != nil {
			ed.Sink.Warn("Unmounting entry failed, check 'mount'", "error", err)
		}
	}
	return removed, nil
}

// Replace overwrites the line at index with e and remounts it.
func (ed *Editor) Replace(ctx context.Context, index int, e Entry) error {
	lines, err := ed.Lines()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(lines) {
		return errs.New(errs.CodeNotFound, "Index %d not found.", index)
	}
	e = ed.withRoot(e)
	existing, err := ed.validateAll(lines)
	if err != nil {
		return err
	}
	if err := ed.validateNew(e, existing, index); err != nil {
		return err
	}
	ed.warnLength(e)

	if old, perr := ParseLine(lines[index]); perr == nil {
		// A stale mount at the old destination would shadow the new one.
		if err := ed.umount(ctx, old.Dest); err != nil {
			ed.Sink.Debug("Previous entry was not mounted", "dest", old.Dest, "error", err)
		}
	}
	lines[index] = ed.stamp(e)
	if err := WriteLines(ed.Path, lines); err != nil {
		return err
	}
	ed.Sink.Info(fmt.Sprintf("Index %d replaced.", index))
	return ed.mount(ctx, e)
}

func (ed *Editor) withRoot(e Entry) Entry {
	e.Dest = ed.underRoot(e.Dest)
	return e
}

// underRoot prefixes the jail root to destinations given relative to it.
func (ed *Editor) underRoot(dest string) string {
	if dest == "" || strings.HasPrefix(dest, ed.JailRoot) {
		return dest
	}
	return filepath.Join(ed.JailRoot, dest)
}

func (ed *Editor) stamp(e Entry) string {
	now := time.Now
	if ed.Now != nil {
		now = ed.Now
	}
	return Stamp(e, now())
}

func (ed *Editor) warnLength(e Entry) {
	if len(e.Dest) > maxDestLen {
		ed.Sink.Warn(fmt.Sprintf("The destination's mountpoint exceeds %d characters, this may cause failure!", maxDestLen),
			"dest", e.Dest)
	}
}

// validateAll checks every existing line and returns the parsed entries
// keyed by line index.
func (ed *Editor) validateAll(lines []string) (map[int]Entry, error) {
	var problems []string
	entries := map[int]Entry{}
	for i, l := range lines {
		if skip(l) {
			continue
		}
		e, err := ParseLine(l)
		if err != nil {
			problems = append(problems, fmt.Sprintf("Malformed fstab at line %d: %q", i, l))
			continue
		}
		if !strings.HasPrefix(e.Dest, ed.JailRoot) {
			problems = append(problems, fmt.Sprintf("Destination: %s does not include jail's mountpoint! (%s)", e.Dest, ed.JailRoot))
		} else if !filepath.IsAbs(e.Dest) {
			problems = append(problems, fmt.Sprintf("Destination: %s must use an absolute path!", e.Dest))
		}
		problems = append(problems, checkFields(e)...)
		entries[i] = e
	}
	return entries, validationError(problems)
}

// validateNew checks e against the jail root and the existing entries,
// ignoring the line at skipIndex.
func (ed *Editor) validateNew(e Entry, existing map[int]Entry, skipIndex int) error {
	var problems []string
	for i, old := range existing {
		if i != skipIndex && old.Dest == e.Dest && old.Source == e.Source {
			problems = append(problems, fmt.Sprintf("Destination: %s already exists!", e.Dest))
			break
		}
	}
	switch {
	case !strings.HasPrefix(e.Dest, ed.JailRoot):
		problems = append(problems, fmt.Sprintf("Destination: %s must include jail's mountpoint! (%s)", e.Dest, ed.JailRoot))
	case !filepath.IsAbs(e.Dest):
		problems = append(problems, fmt.Sprintf("Destination: %s must use an absolute path!", e.Dest))
	}
	problems = append(problems, checkFields(e)...)
	return validationError(problems)
}

func checkFields(e Entry) []string {
	var problems []string
	if e.Type == "nullfs" {
		if st, err := os.Stat(e.Source); err != nil || !st.IsDir() {
			problems = append(problems, fmt.Sprintf("Source: %s does not exist!", e.Source))
		}
		if !filepath.IsAbs(e.Source) {
			problems = append(problems, fmt.Sprintf("Source: %s must use an absolute path!", e.Source))
		}
	}
	for _, f := range []struct{ name, value string }{{"Dump", e.Dump}, {"Pass", e.Pass}} {
		if !isDigits(f.value) {
			problems = append(problems, fmt.Sprintf("%s: %s must be a digit!", f.name, f.value))
		}
		if len(f.value) > 1 {
			problems = append(problems, fmt.Sprintf("%s: %s must be one digit long!", f.name, f.value))
		}
	}
	return problems
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validationError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errs.New(errs.CodeInvalidPropertyValue, "%s", strings.Join(problems, "\n"))
}

func (ed *Editor) running(ctx context.Context) bool {
	if ed.Jails == nil {
		return false
	}
	st, err := ed.Jails.State(ctx, ed.ID)
	return err == nil && st.Running
}

func (ed *Editor) mount(ctx context.Context, e Entry) error {
	if !ed.running(ctx) {
		return nil
	}
	if err := os.MkdirAll(e.Dest, 0o755); err != nil {
		return err
	}
	_, err := ed.Run.Run(ctx, command.New("mount", "-t", e.Type, "-o", e.Options, e.Source, e.Dest))
	return err
}

func (ed *Editor) umount(ctx context.Context, dest string) error {
	if !ed.running(ctx) {
		return nil
	}
	_, err := ed.Run.Run(ctx, command.New("umount", "-f", dest))
	return err
}

func skip(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || strings.HasPrefix(t, "#")
}

func stripComment(line string) string {
	body, _, _ := strings.Cut(line, "#")
	return strings.TrimRight(body, " \t")
}

// Entries parses every non-comment line of the file at path.
func Entries(path string) ([]Entry, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	var res []Entry
	for i, l := range lines {
		if skip(l) {
			continue
		}
		e, err := ParseLine(l)
		if err != nil {
			return nil, fmt.Errorf("malformed fstab at line %d: %w", i, err)
		}
		res = append(res, e)
	}
	return res, nil
}

// ReadLines returns the lines of path. A missing file has no lines.
func ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r "))
	}
	return lines, sc.Err()
}

// WriteLines atomically replaces path with lines, newline terminated.
func WriteLines(path string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Substitute replaces every occurrence of from with to in the file at path.
// A missing file is left alone.
func Substitute(path, from, to string) error {
	lines, err := ReadLines(path)
	if err != nil || lines == nil {
		return err
	}
	for i, l := range lines {
		lines[i] = strings.ReplaceAll(l, from, to)
	}
	return WriteLines(path, lines)
}

// Basejail returns the read-only nullfs entries mounting the base
// directories of releaseRoot into jailRoot. STABLE builds have no lib32.
func Basejail(release, releaseRoot, jailRoot string) []Entry {
	var res []Entry
	for _, dir := range BaseDirs {
		if dir == "usr/lib32" && strings.Contains(release, "-STABLE") {
			continue
		}
		res = append(res, Entry{
			Source:  filepath.Join(releaseRoot, dir),
			Dest:    filepath.Join(jailRoot, dir),
			Type:    "nullfs",
			Options: "ro",
			Dump:    "0",
			Pass:    "0",
		})
	}
	return res
}

// Stamp renders e with the trailer for the given time.
func Stamp(e Entry, at time.Time) string {
	return e.String() + " " + Trailer + at.UTC().Format("2006-01-02 15:04:05")
}
