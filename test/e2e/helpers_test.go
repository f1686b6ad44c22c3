//go:build e2e_vm

package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The VM is a FreeBSD host reachable as zjm-test-vm over ssh, with a pool
// named testpool, the release below fetched and MinIO listening locally.
const (
	vmHost     = "zjm-test-vm"
	remoteBin  = "/tmp/zjm"
	configPath = "/tmp/zjm_test_config.yaml"
	testPool   = "testpool"
	release    = "14.1-RELEASE"

	minioEndpoint  = "http://127.0.0.1:9000"
	minioAccessKey = "admin"
	minioSecretKey = "password"
	minioBucket    = "zjm-test"
)

type vm struct {
	host string
}

func newVM() *vm {
	return &vm{host: vmHost}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (v *vm) execWithTimeout(command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh", v.host, "sh -c "+shellQuote(command))
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (v *vm) exec(command string) (string, error) {
	return v.execWithTimeout(command, 2*time.Minute)
}

func (v *vm) mustExec(t *testing.T, command string) string {
	t.Helper()
	out, err := v.exec(command)
	require.NoError(t, err, "command failed: %s\noutput: %s", command, out)
	return out
}

func (v *vm) execSudo(command string) (string, error) {
	return v.exec("sudo " + command)
}

func (v *vm) mustExecSudo(t *testing.T, command string) string {
	t.Helper()
	out, err := v.execSudo(command)
	require.NoError(t, err, "sudo command failed: %s\noutput: %s", command, out)
	return out
}

func (v *vm) zjm(args string) (string, error) {
	command := fmt.Sprintf("AWS_ACCESS_KEY_ID=%s AWS_SECRET_ACCESS_KEY=%s sudo -E %s --config %s %s",
		minioAccessKey, minioSecretKey, remoteBin, configPath, args)
	return v.execWithTimeout(command, 10*time.Minute)
}

func (v *vm) mustZjm(t *testing.T, args string) string {
	t.Helper()
	out, err := v.zjm(args)
	require.NoError(t, err, "zjm command failed: %s\noutput: %s", args, out)
	return out
}

// get prints one property, without the log lines written to stderr.
func (v *vm) get(t *testing.T, key, id string) string {
	t.Helper()
	return v.mustZjm(t, "get "+key+" "+id+" 2>/dev/null")
}

func (v *vm) transfer(localPath, remotePath string) error {
	cmd := exec.Command("scp", "-q", localPath, fmt.Sprintf("%s:%s", v.host, remotePath))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("transfer failed: %w\noutput: %s", err, string(out))
	}
	return nil
}

func (v *vm) writeFile(t *testing.T, remotePath, content string) {
	t.Helper()
	tmp, err := os.CreateTemp("", "zjm-e2e-*")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	require.NoError(t, v.transfer(tmp.Name(), remotePath))
}

func buildAndTransfer(t *testing.T, v *vm) {
	t.Helper()
	binary := "../../build/zjm_freebsd_amd64"

	cmd := exec.Command("go", "build", "-ldflags=-s -w", "-o", binary, "./../../cmd/zjm")
	cmd.Env = append(os.Environ(), "GOOS=freebsd", "GOARCH=amd64")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))

	require.NoError(t, v.transfer(binary, remoteBin))
	v.mustExecSudo(t, "chmod +x "+remoteBin)
}

func hostConfig(agePublicKey string, s3 bool) string {
	return fmt.Sprintf(`pool: %s
log_level: info
command_timeout: 5m
export:
  age_public_key: %s
s3:
  enabled: %t
  bucket: %s
  region: us-east-1
  prefix: images/
  endpoint: %s
  storage_class: STANDARD
  retry:
    max_attempts: 3
`, testPool, agePublicKey, s3, minioBucket, minioEndpoint)
}
