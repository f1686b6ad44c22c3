// Package config loads the host-wide zjm.yaml. Per-jail settings live in
// each jail's config.json and are handled by jailconf.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/usr/local/etc/zjm.yaml"

type Config struct {
	Pool            string       `yaml:"pool,omitempty"`
	LogDir          string       `yaml:"log_dir,omitempty"`
	LogLevel        string       `yaml:"log_level,omitempty"`
	CommandTimeout  Duration     `yaml:"command_timeout,omitempty"`
	BootParallelism int          `yaml:"boot_parallelism,omitempty"`
	Export          ExportConfig `yaml:"export"`
	S3              S3Config     `yaml:"s3"`
}

type ExportConfig struct {
	AgePublicKey string `yaml:"age_public_key,omitempty"`
	// Compress is accepted but not acted on yet.
	Compress bool `yaml:"compress,omitempty"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

// Duration reads Go duration strings such as "10m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func Default() *Config {
	return &Config{
		LogLevel:        "info",
		CommandTimeout:  Duration(10 * time.Minute),
		BootParallelism: 1,
	}
}

// Load reads filename over the defaults. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if c.BootParallelism < 1 {
		return fmt.Errorf("boot_parallelism must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if c.Pool != "" && strings.ContainsAny(c.Pool, "/@ ") {
		return fmt.Errorf("pool must be a bare pool name")
	}
	if k := c.Export.AgePublicKey; k != "" && !strings.HasPrefix(k, "age1") {
		return fmt.Errorf("export.age_public_key must start with 'age1'")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.CommandTimeout)
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}

func (c *Config) S3StorageClass() types.StorageClass {
	if c.S3.StorageClass != "" {
		return c.S3.StorageClass
	}
	return types.StorageClassStandard
}
