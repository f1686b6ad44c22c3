// Package remote keeps copies of exported jail images in an S3 bucket.
// An image is a key prefix named after the image; its manifest is the
// object that marks it complete.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"zjm/internal/config"
	"zjm/internal/errs"
)

const partSize = 64 * 1024 * 1024

// Store moves image files between the images directory and a remote.
type Store interface {
	Put(ctx context.Context, key, localPath, blake3 string) error
	Get(ctx context.Context, key, localPath string) error
}

var _ Store = (*S3)(nil)

type Options struct {
	Bucket       string
	Region       string
	Prefix       string
	Endpoint     string
	StorageClass types.StorageClass
	MaxAttempts  int
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Bucket:       cfg.S3.Bucket,
		Region:       cfg.S3.Region,
		Prefix:       cfg.S3.Prefix,
		Endpoint:     cfg.S3.Endpoint,
		StorageClass: cfg.S3StorageClass(),
		MaxAttempts:  cfg.S3RetryAttempts(),
	}
}

type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	opts     Options
}

// New builds the client. A custom endpoint switches to path-style
// addressing and, when both are set, to the static AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY credentials.
func New(ctx context.Context, opts Options) (*S3, error) {
	if opts.StorageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}
	if err := ValidateStorageClass(string(opts.StorageClass)); err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts,
			awsconfig.WithRetryMaxAttempts(opts.MaxAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if opts.Endpoint != "" {
		key, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if key != "" && secret != "" {
			cfg.Credentials = credentials.NewStaticCredentialsProvider(key, secret, "")
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, clientOpts...)

	slog.Debug("S3 image store ready", "bucket", opts.Bucket, "endpoint", opts.Endpoint,
		"storageClass", opts.StorageClass, "maxAttempts", opts.MaxAttempts)
	return &S3{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
		}),
		opts: opts,
	}, nil
}

func (s *S3) key(name string) string {
	return path.Join(strings.TrimSuffix(s.opts.Prefix, "/"), name)
}

// kind tags manifests apart from streams so bucket lifecycle rules can
// expire them separately.
func kind(key string) string {
	if path.Ext(key) == ".yaml" {
		return "manifest"
	}
	return "stream"
}

// Put uploads localPath as key, recording its BLAKE3 sum in the object
// metadata.
func (s *S3) Put(ctx context.Context, key, localPath, blake3 string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.opts.Bucket),
		Key:          aws.String(s.key(key)),
		Body:         f,
		StorageClass: s.opts.StorageClass,
		Tagging:      aws.String("zjm-kind=" + kind(key)),
		Metadata:     map[string]string{"blake3": blake3},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	slog.Debug("Uploaded image object", "bucket", s.opts.Bucket, "key", s.key(key))
	return nil
}

// Get downloads key to localPath. The file only appears under its final
// name once complete. A missing object is reported as NotFound.
func (s *S3) Get(ctx context.Context, key, localPath string) error {
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	n, err := manager.NewDownloader(s.client).Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		if isMissing(err) {
			return errs.Wrap(errs.CodeNotFound, err, "%s not found in bucket %s", key, s.opts.Bucket)
		}
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	slog.Debug("Downloaded image object", "bucket", s.opts.Bucket, "key", s.key(key), "bytes", n)
	return nil
}

func isMissing(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// VerifyCredentials checks that the bucket is reachable with the loaded
// credentials.
func (s *S3) VerifyCredentials(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}
	slog.Debug("Bucket access verified", "bucket", s.opts.Bucket)
	return nil
}

// ValidateStorageClass rejects archive classes, whose objects cannot be
// imported without a restore request first.
func ValidateStorageClass(storageClass string) error {
	switch types.StorageClass(storageClass) {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return fmt.Errorf("storage class %s is not immediately accessible (requires restore)", storageClass)
	}
	return nil
}
