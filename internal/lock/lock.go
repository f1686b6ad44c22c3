// Package lock serializes first-time dataset creation. Goroutines of one
// process share a mutex per lock path; separate zjm processes coordinate
// through a small YAML file holding the owner's pid.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
	"gopkg.in/yaml.v3"
)

type Entry struct {
	Pid       int    `yaml:"pid"`
	Purpose   string `yaml:"purpose,omitempty"`
	StartedAt string `yaml:"started_at"`
}

// PollInterval is how often Acquire re-checks a lock held by another process.
var PollInterval = 200 * time.Millisecond

var (
	mu    sync.Mutex
	paths = map[string]*sync.Mutex{}
)

func pathMutex(path string) *sync.Mutex {
	mu.Lock()
	defer mu.Unlock()
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m, ok := paths[abs]
	if !ok {
		m = &sync.Mutex{}
		paths[abs] = m
	}
	return m
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown means alive: never steal a lock we cannot judge.
		return true
	}
	return ok
}

// heldByOther reports the live entry of another process, if any. Stale
// entries and our own pid count as free.
func heldByOther(path string) (*Entry, error) {
	existing, err := readLock(path)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Pid == os.Getpid() || !isProcessAlive(existing.Pid) {
		return nil, nil
	}
	return existing, nil
}

func take(path, purpose string) (func() error, error) {
	entry := &Entry{
		Pid:       os.Getpid(),
		Purpose:   purpose,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(path, entry); err != nil {
		return nil, err
	}
	release := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return release, nil
}

// TryAcquire fails immediately if another live process holds the lock.
// Returns a release function which should be called (deferred) when work is done.
func TryAcquire(path, purpose string) (func() error, error) {
	m := pathMutex(path)
	if !m.TryLock() {
		return nil, fmt.Errorf("already locked by this process")
	}
	existing, err := heldByOther(path)
	if err == nil && existing != nil {
		err = fmt.Errorf("already locked by pid %d (started %s)", existing.Pid, existing.StartedAt)
	}
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return wrap(m, path, purpose)
}

// Acquire waits until the lock is free or ctx is done.
func Acquire(ctx context.Context, path, purpose string) (func() error, error) {
	m := pathMutex(path)
	for !m.TryLock() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
	for {
		existing, err := heldByOther(path)
		if err != nil {
			m.Unlock()
			return nil, err
		}
		if existing == nil {
			break
		}
		select {
		case <-ctx.Done():
			m.Unlock()
			return nil, fmt.Errorf("waiting for pid %d: %w", existing.Pid, ctx.Err())
		case <-time.After(PollInterval):
		}
	}
	return wrap(m, path, purpose)
}

func wrap(m *sync.Mutex, path, purpose string) (func() error, error) {
	release, err := take(path, purpose)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	var once sync.Once
	var relErr error
	return func() error {
		once.Do(func() {
			relErr = release()
			m.Unlock()
		})
		return relErr
	}, nil
}
