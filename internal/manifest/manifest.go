// Package manifest reads and writes the YAML manifest describing an
// exported jail image.
package manifest

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/shirou/gopsutil/host"
	"gopkg.in/yaml.v3"

	"zjm/internal/command"
)

// GetSystemInfo describes the exporting host. Fields that cannot be
// determined are left as "unknown".
func GetSystemInfo(ctx context.Context, run command.Runner) SystemInfo {
	info := SystemInfo{Hostname: "unknown", OS: "unknown", Kernel: "unknown"}
	info.ZFSVersion.Userland = "unknown"
	info.ZFSVersion.Kernel = "unknown"

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.OS = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		info.Kernel = h.KernelVersion
	}

	out, err := command.Output(ctx, run, "zfs", "version", "-j")
	if err != nil {
		return info
	}
	var result struct {
		ZFSVersion struct {
			Userland string `json:"userland"`
			Kernel   string `json:"kernel"`
		} `json:"zfs_version"`
	}
	if err := json.Unmarshal(out, &result); err == nil {
		info.ZFSVersion.Userland = result.ZFSVersion.Userland
		info.ZFSVersion.Kernel = result.ZFSVersion.Kernel
	}
	return info
}

func Write(filename string, m *Image) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func Read(filename string) (*Image, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Image
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
