package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3RetryAttempts(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   int
	}{
		{
			name: "custom retry attempts",
			config: &Config{
				S3: S3Config{
					Retry: struct {
						MaxAttempts int `yaml:"max_attempts"`
					}{
						MaxAttempts: 5,
					},
				},
			},
			want: 5,
		},
		{
			name:   "zero retry config",
			config: &Config{S3: S3Config{}},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.S3RetryAttempts()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Timeout())
	assert.Equal(t, 1, cfg.BootParallelism)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, types.StorageClassStandard, cfg.S3StorageClass())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zjm.yaml")
	content := `pool: tank
log_level: debug
command_timeout: 90s
boot_parallelism: 4
export:
  age_public_key: age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p
s3:
  enabled: true
  bucket: jails
  region: us-east-1
  storage_class: GLACIER_IR
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tank", cfg.Pool)
	assert.Equal(t, 90*time.Second, cfg.Timeout())
	assert.Equal(t, 4, cfg.BootParallelism)
	assert.Equal(t, types.StorageClassGlacierIr, cfg.S3StorageClass())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zjm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("command_timeout: soon\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero timeout", func(c *Config) { c.CommandTimeout = 0 }, "command_timeout must be positive"},
		{"zero parallelism", func(c *Config) { c.BootParallelism = 0 }, "boot_parallelism must be at least 1"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level must be one of"},
		{"dataset as pool", func(c *Config) { c.Pool = "tank/iocage" }, "pool must be a bare pool name"},
		{"bad age key", func(c *Config) { c.Export.AgePublicKey = "ssh-ed25519 AAAA" }, "must start with 'age1'"},
		{"s3 without bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Region = "x" }, "s3.bucket is required"},
		{"s3 without region", func(c *Config) { c.S3.Enabled = true; c.S3.Bucket = "b" }, "s3.region is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
