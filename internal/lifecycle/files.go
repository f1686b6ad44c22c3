package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"zjm/internal/jailconf"
)

// writeDHCP points every VNET interface of the jail at dhclient(8) in its
// rc.conf.
func writeDHCP(path string, nics []jailconf.NIC) error {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var lines []string
	if len(data) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}
	for _, nic := range nics {
		key := "ifconfig_" + nic.Name + "="
		entry := key + `"DHCP"`
		found := false
		for i, l := range lines {
			if strings.HasPrefix(strings.TrimSpace(l), key) {
				lines[i], found = entry, true
			}
		}
		if !found {
			lines = append([]string{entry}, lines...)
		}
	}
	return atomicWrite(path, []byte(strings.Join(lines, "\n")+"\n"))
}

// devLog links dev/log to syslogd's socket inside the jail root.
func devLog(root string) error {
	link := filepath.Join(root, "dev", "log")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	return os.Symlink("../var/run/log", link)
}

// writeResolver fills etc/resolv.conf from the resolver property: "none"
// copies the host file, "/dev/null" leaves the jail's own, a path is
// copied, and anything else is ";" separated lines.
func (c *Controller) writeResolver(root, resolver string) error {
	dst := filepath.Join(root, "etc", "resolv.conf")
	switch {
	case resolver == "/dev/null":
		return nil
	case resolver == "none", resolver == "/etc/resolv.conf":
		return copyFile(c.hostFile(c.HostResolver, "/etc/resolv.conf"), dst)
	case strings.HasPrefix(resolver, "/") && !strings.ContainsAny(resolver, "; "):
		return copyFile(resolver, dst)
	}
	var b strings.Builder
	for _, line := range strings.Split(resolver, ";") {
		b.WriteString(strings.TrimSpace(line))
		b.WriteByte('\n')
	}
	return atomicWrite(dst, []byte(b.String()))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
