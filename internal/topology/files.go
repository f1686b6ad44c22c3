package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zjm/internal/jailconf"
)

const rcConfBoilerplate = `host_hostname="%s"
cron_flags="$cron_flags -J 15"

# Disable Sendmail by default
sendmail_enable="NONE"
sendmail_submit_enable="NO"
sendmail_outbound_enable="NO"
sendmail_msp_queue_enable="NO"

# Run secure syslog
syslogd_flags="-c -ss"

# Enable IPv6
ipv6_activate_all_interfaces="YES"
`

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"), nil
}

func writeFile(path string, lines []string) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), mode)
}

// substituteFile replaces from with to on every line of path. A missing file
// is left alone.
func substituteFile(path, from, to string) error {
	lines, err := readLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for i, l := range lines {
		lines[i] = strings.ReplaceAll(l, from, to)
	}
	return writeFile(path, lines)
}

// addresses returns the bare addresses of an ip4_addr or ip6_addr value such
// as "em0|10.0.0.5/24,10.0.0.6".
func addresses(value string) []string {
	if value == "" || value == "none" || value == "DHCP" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if _, addr, ok := strings.Cut(part, "|"); ok {
			part = addr
		}
		addr, _, _ := strings.Cut(strings.TrimSpace(part), "/")
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// writeHosts appends the short hostname to the loopback entries of a new
// jail's /etc/hosts and maps its first IPv4 address to the full hostname.
func writeHosts(path string, cfg *jailconf.Config) error {
	lines, err := readLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	hostname := cfg.Hostname()
	short, _, _ := strings.Cut(hostname, ".")
	for i, l := range lines {
		if strings.HasPrefix(l, "127.0.0.1") {
			lines[i] = l + " " + short
		}
	}
	if addrs := addresses(cfg.Get("ip4_addr")); len(addrs) > 0 {
		lines = append(lines, fmt.Sprintf("%s\t%s", addrs[0], hostname))
	}
	return writeFile(path, lines)
}

// writeRCConf sets host_hostname in rc.conf, writing the default file when
// the jail has none yet.
func writeRCConf(path, hostname string) error {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil
	}
	lines, err := readLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(path, []byte(fmt.Sprintf(rcConfBoilerplate, hostname)), 0o644)
	}
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("host_hostname=%q", hostname)
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "host_hostname=") {
			lines[i] = entry
			return writeFile(path, lines)
		}
	}
	return writeFile(path, append([]string{entry}, lines...))
}
