package lifecycle

import (
	"strconv"
	"strings"

	"zjm/internal/jailconf"
)

// ParamsInput carries what jail(8) needs beyond the jail's own config.
type ParamsInput struct {
	Name string
	// Path is the jail directory holding config.json, fstab and root/.
	Path       string
	ConsoleLog string
	// Version is the host userland version, e.g. 13.2.
	Version float64
	// DefaultInterface prefixes addresses given without "iface|".
	DefaultInterface string
}

// dhcpRuleset is devfsrules_jail_vnet, which dhclient(8) can run under.
const dhcpRuleset = "5"

// Params composes the "jail -c" parameter list for cfg. It is a pure
// function of its arguments.
func Params(cfg *jailconf.Config, in ParamsInput) []string {
	var p []string
	add := func(key, value string) { p = append(p, key+"="+value) }
	flag := func(key, value string) {
		if value == "1" {
			add(key, value)
		}
	}

	if cfg.VNET() {
		p = append(p, "vnet")
		for _, nic := range listValue(cfg.Get("vnet_interfaces")) {
			add("vnet.interface", nic)
		}
	} else {
		if ip4 := ipList(cfg.Get("ip4_addr"), in.DefaultInterface); ip4 != "" {
			add("ip4.addr", ip4)
		}
		add("ip4.saddrsel", cfg.Get("ip4_saddrsel"))
		add("ip4", cfg.Get("ip4"))
		if ip6 := ipList(cfg.Get("ip6_addr"), in.DefaultInterface); ip6 != "" {
			add("ip6.addr", ip6)
		}
		add("ip6.saddrsel", cfg.Get("ip6_saddrsel"))
		add("ip6", cfg.Get("ip6"))
	}

	enforce := cfg.Get("enforce_statfs")
	allowMount, allowZFS := cfg.Get("allow_mount"), cfg.Get("allow_mount_zfs")
	if cfg.JailZFS() {
		allowMount, allowZFS = "1", "1"
		if enforce == "2" {
			enforce = "1"
		}
	}
	ruleset := cfg.Get("devfs_ruleset")
	if cfg.DHCP() && ruleset == "4" {
		ruleset = dhcpRuleset
	}

	add("name", in.Name)
	add("host.domainname", cfg.Get("host_domainname"))
	add("host.hostname", cfg.Hostname())
	add("path", in.Path+"/root")
	add("securelevel", cfg.Get("securelevel"))
	add("host.hostuuid", cfg.ID())
	add("devfs_ruleset", ruleset)
	add("enforce_statfs", enforce)
	add("children.max", cfg.Get("children_max"))
	flag("allow.set_hostname", cfg.Get("allow_set_hostname"))
	flag("allow.sysvipc", cfg.Get("allow_sysvipc"))
	if in.Version > 10.3 {
		add("sysvmsg", cfg.Get("sysvmsg"))
		add("sysvsem", cfg.Get("sysvsem"))
		add("sysvshm", cfg.Get("sysvshm"))
	}
	flag("allow.raw_sockets", cfg.Get("allow_raw_sockets"))
	flag("allow.chflags", cfg.Get("allow_chflags"))
	flag("allow.mount", allowMount)
	flag("allow.mount.devfs", cfg.Get("allow_mount_devfs"))
	flag("allow.mount.nullfs", cfg.Get("allow_mount_nullfs"))
	flag("allow.mount.procfs", cfg.Get("allow_mount_procfs"))
	if in.Version > 9.3 {
		flag("allow.mount.tmpfs", cfg.Get("allow_mount_tmpfs"))
	}
	flag("allow.mount.zfs", allowZFS)
	if in.Version >= 12.0 {
		flag("allow.mount.fusefs", cfg.Get("allow_mount_fusefs"))
		flag("allow.mlock", cfg.Get("allow_mlock"))
	}
	flag("allow.quotas", cfg.Get("allow_quotas"))
	flag("allow.socket_af", cfg.Get("allow_socket_af"))
	add("exec.prestart", cfg.Get("exec_prestart"))
	add("exec.poststart", cfg.Get("exec_poststart"))
	add("exec.prestop", cfg.Get("exec_prestop"))
	add("exec.stop", cfg.Get("exec_stop"))
	add("exec.clean", cfg.Get("exec_clean"))
	add("exec.timeout", cfg.Get("exec_timeout"))
	add("stop.timeout", cfg.Get("stop_timeout"))
	add("mount.fstab", in.Path+"/fstab")
	flag("mount.devfs", cfg.Get("mount_devfs"))
	if in.Version > 9.3 {
		flag("mount.fdescfs", cfg.Get("mount_fdescfs"))
	}
	p = append(p, "allow.dying")
	add("exec.consolelog", in.ConsoleLog)
	p = append(p, "persist")
	return p
}

// ipList normalizes an ip4_addr or ip6_addr value for jail(8), prefixing
// bare addresses with the default interface.
func ipList(value, defaultIface string) string {
	var out []string
	for _, a := range parseAddrs(value, defaultIface) {
		if a.Iface == "" {
			out = append(out, a.Addr)
			continue
		}
		out = append(out, a.Iface+"|"+a.Addr)
	}
	return strings.Join(out, ",")
}

type addr struct {
	Iface string
	Addr  string
}

// parseAddrs splits "em0|10.0.0.5/24,10.0.0.6" into its entries. none, DHCP
// and accept_rtadv yield no static addresses.
func parseAddrs(value, defaultIface string) []addr {
	var out []addr
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		iface, a, ok := strings.Cut(part, "|")
		if !ok {
			iface, a = defaultIface, part
		}
		switch a {
		case "", "none", "DHCP", "accept_rtadv":
			continue
		}
		if iface == "none" {
			iface = ""
		}
		out = append(out, addr{Iface: iface, Addr: a})
	}
	return out
}

// listValue splits a space or comma separated property, treating "none" as
// empty.
func listValue(v string) []string {
	if v == "" || v == "none" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
}

// ParseVersion extracts the numeric release from a uname or
// freebsd-version string such as "13.2-RELEASE-p4".
func ParseVersion(s string) float64 {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if end >= 0 {
		s = s[:end]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
