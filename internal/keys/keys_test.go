package keys

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicKeyFrom(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "Public key:"); ok {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no public key in %q", out)
	return ""
}

func TestGenerateAndTest(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "zjm.key")
	var out bytes.Buffer
	require.NoError(t, Generate(&out, keyPath))
	assert.NotContains(t, out.String(), "AGE-SECRET-KEY")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pub := publicKeyFrom(t, out.String())
	var check bytes.Buffer
	require.NoError(t, Test(&check, pub, keyPath))
	assert.Contains(t, check.String(), "successful")
}

func TestGeneratePrintsPrivateKey(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Generate(&out, ""))
	assert.Contains(t, out.String(), "AGE-SECRET-KEY-")
}

func TestMismatch(t *testing.T) {
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "zjm.key")
	require.NoError(t, Generate(&bytes.Buffer{}, keyPath))

	var out bytes.Buffer
	err = Test(&out, other.Recipient().String(), keyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	err = Test(&out, "", keyPath)
	assert.Error(t, err)
}
