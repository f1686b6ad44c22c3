package jailconf

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"

	"github.com/shirou/gopsutil/host"

	"zjm/internal/command"
)

// Host holds the machine-specific inputs of the defaults table.
type Host struct {
	HostID    string
	MACPrefix string
}

// DetectHost reads the host uuid and derives a MAC prefix from the NIC of the
// default route, so generated addresses start like the host's own. Without a
// default route the prefix is random.
func DetectHost(ctx context.Context, run command.Runner) Host {
	h := Host{}
	if id, err := host.HostIDWithContext(ctx); err == nil {
		h.HostID = strings.TrimSpace(id)
	}
	if prefix, err := gatewayMACPrefix(ctx, run); err == nil {
		h.MACPrefix = prefix
	} else {
		h.MACPrefix = fmt.Sprintf("%06x", rand.IntN(0xfffff))
	}
	return h
}

func gatewayMACPrefix(ctx context.Context, run command.Runner) (string, error) {
	out, err := command.Output(ctx, run, "route", "-n", "get", "default")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || k != "interface" {
			continue
		}
		iface, err := net.InterfaceByName(strings.TrimSpace(v))
		if err != nil {
			return "", err
		}
		mac := strings.ReplaceAll(iface.HardwareAddr.String(), ":", "")
		if len(mac) < 6 {
			return "", fmt.Errorf("interface %s has no MAC address", iface.Name)
		}
		return mac[:6], nil
	}
	return "", fmt.Errorf("no default route")
}

// Defaults returns the value of every property a jail falls back to when its
// own document does not set it.
func Defaults(h Host) map[string]string {
	d := map[string]string{
		"interfaces":             "vnet0:bridge0",
		"host_domainname":        "none",
		"exec_fib":               "0",
		"ip4_addr":               "none",
		"ip4_saddrsel":           "1",
		"ip4":                    "new",
		"ip6_addr":               "none",
		"ip6_saddrsel":           "1",
		"ip6":                    "new",
		"defaultrouter":          "none",
		"defaultrouter6":         "none",
		"resolver":               "/etc/resolv.conf",
		"mac_prefix":             h.MACPrefix,
		"vnet0_mac":              "none",
		"vnet1_mac":              "none",
		"vnet2_mac":              "none",
		"vnet3_mac":              "none",
		"vnet_default_interface": "auto",
		"devfs_ruleset":          "4",
		"exec_start":             "/bin/sh /etc/rc",
		"exec_stop":              "/bin/sh /etc/rc.shutdown",
		"exec_prestart":          "/usr/bin/true",
		"exec_poststart":         "/usr/bin/true",
		"exec_prestop":           "/usr/bin/true",
		"exec_poststop":          "/usr/bin/true",
		"exec_clean":             "1",
		"exec_timeout":           "60",
		"stop_timeout":           "30",
		"exec_jail_user":         "root",
		"exec_system_jail_user":  "0",
		"exec_system_user":       "root",
		"mount_devfs":            "1",
		"mount_fdescfs":          "1",
		"enforce_statfs":         "2",
		"children_max":           "0",
		"login_flags":            "-f root",
		"securelevel":            "2",
		"sysvmsg":                "new",
		"sysvsem":                "new",
		"sysvshm":                "new",
		"allow_set_hostname":     "1",
		"allow_sysvipc":          "0",
		"allow_raw_sockets":      "0",
		"allow_chflags":          "0",
		"allow_mlock":            "0",
		"allow_mount":            "0",
		"allow_mount_devfs":      "0",
		"allow_mount_fusefs":     "0",
		"allow_mount_nullfs":     "0",
		"allow_mount_procfs":     "0",
		"allow_mount_tmpfs":      "0",
		"allow_mount_zfs":        "0",
		"allow_quotas":           "0",
		"allow_socket_af":        "0",
		"allow_tun":              "0",
		"type":                   "jail",
		"bpf":                    "no",
		"dhcp":                   "off",
		"boot":                   "off",
		"notes":                  "none",
		"owner":                  "root",
		"priority":               "99",
		"last_started":           "none",
		"template":               "no",
		"hostid":                 h.HostID,
		"hostid_strict_check":    "off",
		"jail_zfs":               "off",
		"jail_zfs_mountpoint":    "none",
		"mount_procfs":           "0",
		"mount_linprocfs":        "0",
		"vnet":                   "off",
		"basejail":               "no",
		"comment":                "none",
		"host_time":              "yes",
		"depends":                "none",
		"vnet_interfaces":        "none",
	}
	for _, key := range RCTLKeys {
		d[key] = "off"
	}
	return d
}

// RCTLKeys are the resource limits, all "off" or "amount:action".
var RCTLKeys = []string{
	"cpuset", "rlimits", "memoryuse", "memorylocked", "vmemoryuse", "maxproc",
	"cputime", "pcpu", "datasize", "stacksize", "coredumpsize", "openfiles",
	"pseudoterminals", "swapuse", "nthr", "msgqqueued", "msgqsize", "nmsgq",
	"nsemop", "nshm", "shmsize", "wallclock",
}
