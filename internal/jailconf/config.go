// Package jailconf is the per-jail configuration store: the config.json
// document, its schema migrations, defaults and the property table that
// decides which values a key accepts.
package jailconf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// CurrentVersion is the CONFIG_VERSION written by this release.
const CurrentVersion = 15

const versionKey = "CONFIG_VERSION"

type Kind int

const (
	KindJail Kind = iota
	KindBasejail
	KindTemplate
	KindPlugin
	KindClonejail
	KindPluginV2
)

func (k Kind) String() string {
	switch k {
	case KindBasejail:
		return "basejail"
	case KindTemplate:
		return "template"
	case KindPlugin:
		return "plugin"
	case KindClonejail:
		return "clonejail"
	case KindPluginV2:
		return "pluginv2"
	}
	return "jail"
}

// ParseKind maps the "type" property. Unknown values are reported as false.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "jail", "":
		return KindJail, true
	case "basejail":
		return KindBasejail, true
	case "template":
		return KindTemplate, true
	case "plugin":
		return KindPlugin, true
	case "clonejail":
		return KindClonejail, true
	case "pluginv2":
		return KindPluginV2, true
	}
	return KindJail, false
}

// Startable reports whether jails of this kind may be started as is.
func (k Kind) Startable() bool {
	switch k {
	case KindJail, KindPlugin, KindClonejail, KindPluginV2:
		return true
	}
	return false
}

// NIC is one "nic:bridge" pair of the interfaces property.
type NIC struct {
	Name   string
	Bridge string
}

// Config is one jail's flat property document. Keys that are not strings in
// the stored JSON are kept verbatim so they survive a rewrite.
type Config struct {
	// Version is CONFIG_VERSION; zero means the document had none.
	Version int

	props    map[string]string
	raw      map[string]json.RawMessage
	defaults map[string]string
}

func New(props map[string]string) *Config {
	c := &Config{Version: CurrentVersion, props: map[string]string{}, raw: map[string]json.RawMessage{}}
	for k, v := range props {
		c.props[k] = v
	}
	return c
}

func (c *Config) Clone() *Config {
	return &Config{
		Version:  c.Version,
		props:    maps.Clone(c.props),
		raw:      maps.Clone(c.raw),
		defaults: c.defaults,
	}
}

// WithDefaults sets the values Get falls back to for absent keys.
func (c *Config) WithDefaults(d map[string]string) *Config {
	c.defaults = d
	return c
}

// Lookup returns the stored value only.
func (c *Config) Lookup(key string) (string, bool) {
	v, ok := c.props[key]
	return v, ok
}

// Get returns the stored value, else the default, else "".
func (c *Config) Get(key string) string {
	if v, ok := c.props[key]; ok {
		return v
	}
	return c.defaults[key]
}

func (c *Config) Set(key, value string) {
	delete(c.raw, key)
	c.props[key] = value
}

func (c *Config) Delete(key string) {
	delete(c.props, key)
	delete(c.raw, key)
}

// Keys lists stored string keys, sorted.
func (c *Config) Keys() []string {
	return slices.Sorted(maps.Keys(c.props))
}

// Map returns the stored string properties merged over the defaults.
func (c *Config) Map() map[string]string {
	m := maps.Clone(c.defaults)
	if m == nil {
		m = map[string]string{}
	}
	maps.Copy(m, c.props)
	return m
}

// Equal compares stored content, ignoring defaults.
func (c *Config) Equal(o *Config) bool {
	if c.Version != o.Version || !maps.Equal(c.props, o.props) || len(c.raw) != len(o.raw) {
		return false
	}
	for k, v := range c.raw {
		if !bytes.Equal(v, o.raw[k]) {
			return false
		}
	}
	return true
}

func (c *Config) ID() string             { return c.Get("host_hostuuid") }
func (c *Config) Hostname() string       { return c.Get("host_hostname") }
func (c *Config) Release() string        { return c.Get("release") }
func (c *Config) ClonedRelease() string  { return c.Get("cloned_release") }
func (c *Config) SourceTemplate() string { return c.Get("source_template") }

func (c *Config) on(key string) bool {
	switch c.Get(key) {
	case "on", "yes", "1":
		return true
	}
	return false
}

func (c *Config) IsTemplate() bool { return c.on("template") }
func (c *Config) IsBasejail() bool { return c.on("basejail") }
func (c *Config) Boot() bool       { return c.on("boot") }
func (c *Config) VNET() bool       { return c.on("vnet") }
func (c *Config) DHCP() bool       { return c.on("dhcp") }
func (c *Config) BPF() bool        { return c.on("bpf") }
func (c *Config) JailZFS() bool    { return c.on("jail_zfs") }
func (c *Config) HostTime() bool   { return c.on("host_time") }

// Kind derives the jail kind from "type" and the template flag.
func (c *Config) Kind() Kind {
	if c.IsTemplate() {
		return KindTemplate
	}
	k, _ := ParseKind(c.Get("type"))
	return k
}

// Priority returns the boot priority, 99 when unset or malformed.
func (c *Config) Priority() int {
	p, err := strconv.Atoi(c.Get("priority"))
	if err != nil {
		return 99
	}
	return p
}

func (c *Config) Interfaces() []NIC {
	var nics []NIC
	for _, pair := range strings.Split(c.Get("interfaces"), ",") {
		name, bridge, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		nics = append(nics, NIC{Name: name, Bridge: bridge})
	}
	return nics
}

// MarshalJSON writes every key sorted with CONFIG_VERSION as an integer.
func (c *Config) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(c.props)+len(c.raw)+1)
	for k, v := range c.raw {
		doc[k] = v
	}
	for k, v := range c.props {
		doc[k] = v
	}
	if c.Version > 0 {
		doc[versionKey] = c.Version
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts CONFIG_VERSION as a number or a numeric string.
func (c *Config) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	c.props = map[string]string{}
	c.raw = map[string]json.RawMessage{}
	c.Version = 0
	for k, v := range doc {
		if k == versionKey {
			ver, err := parseVersion(v)
			if err != nil {
				return err
			}
			c.Version = ver
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			c.props[k] = s
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return err
		}
		c.raw[k] = compact.Bytes()
	}
	return nil
}

func parseVersion(v json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("invalid %s %s", versionKey, v)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", versionKey, s)
	}
	return n, nil
}
