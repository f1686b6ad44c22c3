package check

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/config"
)

func TestRun(t *testing.T) {
	ok := func(context.Context) error { return nil }

	t.Run("all pass", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Run(context.Background(), &out, Check{"config", ok}, Check{"pool tank", ok}))
		assert.Equal(t, "config: OK\npool tank: OK\nall checks passed\n", out.String())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		var out bytes.Buffer
		ran := false
		err := Run(context.Background(), &out,
			Check{"config", ok},
			Check{"pool tank", func(context.Context) error { return errors.New("no such pool") }},
			Check{"later", func(context.Context) error { ran = true; return nil }},
		)
		require.Error(t, err)
		assert.Equal(t, "pool tank: no such pool", err.Error())
		assert.False(t, ran)
		assert.Equal(t, "config: OK\n", out.String())
	})
}

func TestS3RejectsArchiveClass(t *testing.T) {
	cfg := config.Default()
	cfg.S3.Enabled = true
	cfg.S3.Bucket = "images"
	cfg.S3.Region = "us-east-1"
	cfg.S3.StorageClass = "GLACIER"

	c := S3(cfg)
	assert.Equal(t, "S3 bucket images", c.Name)
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not immediately accessible")
}
