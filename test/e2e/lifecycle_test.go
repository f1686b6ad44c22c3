//go:build e2e_vm

package e2e

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lcJail    = "e2e-web"
	lcKeyPath = "/tmp/zjm_e2e_key.txt"
)

func TestJailLifecycle(t *testing.T) {
	v := newVM()

	out, err := v.exec("echo ok")
	require.NoError(t, err, "VM not reachable: %s", out)
	require.Equal(t, "ok", out)

	var agePublicKey string

	t.Run("Setup", func(t *testing.T) {
		buildAndTransfer(t, v)

		out := v.mustExec(t, "curl -sf "+minioEndpoint+"/minio/health/live && echo ok")
		require.Contains(t, out, "ok", "MinIO not healthy")
		v.mustExec(t, "mc mb --ignore-existing myminio/"+minioBucket)
	})

	t.Run("GenerateKeys", func(t *testing.T) {
		out := v.mustExec(t, remoteBin+" genkey --out "+lcKeyPath)
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "Public key:") {
				agePublicKey = strings.TrimSpace(strings.TrimPrefix(line, "Public key:"))
			}
		}
		require.True(t, strings.HasPrefix(agePublicKey, "age1"), "invalid public key: %q", agePublicKey)
		v.writeFile(t, configPath, hostConfig(agePublicKey, true))

		out = v.mustZjm(t, "test-keys --private-key "+lcKeyPath)
		assert.Contains(t, out, "verification successful")
	})

	t.Run("Check", func(t *testing.T) {
		out := v.mustZjm(t, "check")
		assert.Contains(t, out, "all checks passed")
	})

	t.Run("ActivateAndCreate", func(t *testing.T) {
		v.mustZjm(t, "activate "+testPool)
		out := v.mustZjm(t, "create -r "+release+" -n "+lcJail+" boot=on notes=e2e")
		assert.Contains(t, out, "successfully created")

		out = v.mustZjm(t, "list -l")
		assert.Contains(t, out, lcJail)
		assert.Equal(t, "e2e", v.get(t, "notes", lcJail))
	})

	t.Run("StartStop", func(t *testing.T) {
		v.mustZjm(t, "start "+lcJail)
		assert.Equal(t, "up", v.get(t, "state", lcJail))

		out := v.mustExecSudo(t, "jls -j ioc-"+lcJail+" host.hostname")
		assert.Equal(t, lcJail, out)

		v.mustZjm(t, "restart --soft "+lcJail)
		v.mustZjm(t, "stop "+lcJail)
		assert.Equal(t, "down", v.get(t, "state", lcJail))
	})

	t.Run("SnapshotRollback", func(t *testing.T) {
		v.mustZjm(t, "snapshot -n before "+lcJail)
		root := v.mustExecSudo(t, "zfs get -H -o value mountpoint "+testPool+"/iocage/jails/"+lcJail+"/root")
		v.mustExecSudo(t, "touch "+root+"/after")

		out := v.mustZjm(t, "snaplist "+lcJail)
		assert.Contains(t, out, "before")

		v.mustZjm(t, "rollback -f -n before "+lcJail)
		_, err := v.execSudo("test -f " + root + "/after")
		assert.Error(t, err, "file created after the snapshot should be gone")

		v.mustZjm(t, "snapremove -n before "+lcJail)
	})

	t.Run("ExportImport", func(t *testing.T) {
		out := v.mustZjm(t, "export "+lcJail)
		assert.Contains(t, out, "Exported")

		v.mustZjm(t, "destroy -f "+lcJail)
		v.mustExecSudo(t, "rm -rf /"+testPool+"/iocage/images")

		// Only the S3 copy is left.
		out = v.mustZjm(t, "import --private-key "+lcKeyPath+" "+lcJail+"_"+today(t, v))
		assert.Contains(t, out, "Imported")
		assert.Equal(t, "e2e", v.get(t, "notes", lcJail))
	})

	t.Run("Cleanup", func(t *testing.T) {
		v.zjm("destroy -f " + lcJail)
		v.exec("rm -f " + configPath + " " + lcKeyPath)
		v.exec("mc rb --force myminio/" + minioBucket)
	})
}

func today(t *testing.T, v *vm) string {
	t.Helper()
	return v.mustExec(t, "date +%Y-%m-%d")
}
