package jailconf

import "sort"

type migration struct {
	version int
	apply   func(c *Config, from int)
}

func setDefault(c *Config, key, value string) {
	if c.props[key] == "" {
		if _, raw := c.raw[key]; !raw {
			c.props[key] = value
		}
	}
}

func defaults(kv ...string) func(c *Config, from int) {
	return func(c *Config, _ int) {
		for i := 0; i+1 < len(kv); i += 2 {
			setDefault(c, kv[i], kv[i+1])
		}
	}
}

// migrations are keyed by the version that introduced them. Each step only
// adds missing keys, so running the chain again changes nothing.
var migrations = []migration{
	{2, defaults("sysvmsg", "new", "sysvsem", "new", "sysvshm", "new")},
	{4, defaults("basejail", "no")},
	{5, defaults("comment", "none")},
	{6, defaults("host_time", "yes")},
	{7, defaults("depends", "none")},
	{9, defaults("dhcp", "off", "bpf", "no")},
	{10, defaults("vnet_interfaces", "none")},
	{11, defaults("hostid_strict_check", "off")},
	{12, defaults("allow_mlock", "0")},
	{13, func(c *Config, from int) {
		// "none" used to mean "auto" for documents written at 12 and 13.
		if (from == 12 || from == 13) && c.props["vnet_default_interface"] == "none" {
			c.props["vnet_default_interface"] = "auto"
		}
		setDefault(c, "vnet_default_interface", "auto")
	}},
	{14, defaults("allow_tun", "0")},
	{15, defaults("allow_mount_fusefs", "0")},
}

func init() {
	sort.SliceStable(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
}

// NeedsMigration reports whether c is a versioned document older than
// CurrentVersion. Thin documents without a version only carry overrides
// and are complete through the defaults.
func NeedsMigration(c *Config) bool {
	if c.Version == 0 {
		return c.Get("CONFIG_TYPE") == "THICK"
	}
	return c.Version < CurrentVersion
}

// Migrate runs the whole chain on c and stamps CurrentVersion. Every step is
// additive, never removes a key and tolerates having run before.
func Migrate(c *Config) bool {
	if !NeedsMigration(c) {
		return false
	}
	from := c.Version
	for _, m := range migrations {
		m.apply(c, from)
	}
	c.Version = CurrentVersion
	return true
}
