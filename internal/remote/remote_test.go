package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/config"
)

func TestValidateStorageClass(t *testing.T) {
	tests := []struct {
		storageClass string
		wantErr      bool
	}{
		{"STANDARD", false},
		{"STANDARD_IA", false},
		{"INTELLIGENT_TIERING", false},
		{"", false},
		{"GLACIER", true},
		{"DEEP_ARCHIVE", true},
	}
	for _, tt := range tests {
		t.Run(tt.storageClass, func(t *testing.T) {
			err := ValidateStorageClass(tt.storageClass)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not immediately accessible")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewRejectsArchiveClasses(t *testing.T) {
	_, err := New(context.Background(), Options{Bucket: "b", Region: "us-east-1", StorageClass: types.StorageClassGlacier})
	assert.Error(t, err)

	_, err = New(context.Background(), Options{Bucket: "b", Region: "us-east-1"})
	assert.EqualError(t, err, "storage class must be specified")
}

func TestOptionsFrom(t *testing.T) {
	cfg := config.Default()
	cfg.S3.Bucket = "jails"
	cfg.S3.Region = "eu-west-1"
	cfg.S3.Prefix = "images/"

	opts := OptionsFrom(cfg)
	assert.Equal(t, "jails", opts.Bucket)
	assert.Equal(t, "eu-west-1", opts.Region)
	assert.Equal(t, types.StorageClassStandard, opts.StorageClass)
	assert.Equal(t, 3, opts.MaxAttempts)
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"", "web_2024-05-01/manifest.yaml", "web_2024-05-01/manifest.yaml"},
		{"zjm/images", "web_2024-05-01/web.zfs.age", "zjm/images/web_2024-05-01/web.zfs.age"},
		{"zjm/", "a/b", "zjm/a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s := &S3{opts: Options{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, s.key(tt.name))
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "manifest", kind("web_2024-05-01/manifest.yaml"))
	assert.Equal(t, "stream", kind("web_2024-05-01/web.root.zfs.age"))
}

func TestIsMissing(t *testing.T) {
	assert.True(t, isMissing(fmt.Errorf("get: %w", &types.NoSuchKey{})))
	assert.True(t, isMissing(&types.NotFound{}))
	assert.False(t, isMissing(errors.New("connection reset")))
}
