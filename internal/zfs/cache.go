package zfs

import (
	"strconv"
	"strings"
	"sync"
)

// Cache memoises property and dependent lookups per dataset for the life of
// one process. Any mutation on a dataset must call Invalidate for it; the
// entry, its ancestors and its descendants are dropped. A nil *Cache caches
// nothing.
type Cache struct {
	mu    sync.Mutex
	props map[string]map[string]string
	deps  map[string][]string
}

func NewCache() *Cache {
	return &Cache{
		props: map[string]map[string]string{},
		deps:  map[string][]string{},
	}
}

func depsKey(name string, depth int) string {
	return name + "#" + strconv.Itoa(depth)
}

func (c *Cache) Properties(name string) (map[string]string, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.props[name]
	if !ok {
		return nil, false
	}
	return copyMap(p), true
}

func (c *Cache) StoreProperties(name string, props map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[name] = copyMap(props)
}

func (c *Cache) Dependents(name string, depth int) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deps[depsKey(name, depth)]
	if !ok {
		return nil, false
	}
	return append([]string(nil), d...), true
}

func (c *Cache) StoreDependents(name string, depth int, deps []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[depsKey(name, depth)] = append([]string(nil), deps...)
}

// related reports whether a and b are the same dataset or one contains the
// other. Snapshots belong to their dataset.
func related(a, b string) bool {
	a = datasetOf(a)
	b = datasetOf(b)
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func (c *Cache) Invalidate(names ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		for k := range c.props {
			if related(k, name) {
				delete(c.props, k)
			}
		}
		for k := range c.deps {
			ds := k[:strings.LastIndex(k, "#")]
			if related(ds, name) {
				delete(c.deps, k)
			}
		}
	}
}

func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props = map[string]map[string]string{}
	c.deps = map[string][]string{}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
