// Package archive uploads finished results files to S3 or an S3 compatible
// store such as MinIO.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNoBucket is returned by New when the config has no bucket
var ErrNoBucket = errors.New("archive bucket required")

// Config is the archive destination
type Config struct {
	Bucket string
	Region string

	// Endpoint is a custom endpoint, e.g. http://localhost:9000 for MinIO
	Endpoint string

	// Prefix is prepended to every key
	Prefix string

	PathStyle bool

	// AccessKeyID and SecretAccessKey are optional; the default credential
	// chain is used when they are empty
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled is true if the config names a bucket
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// Archive puts files in a bucket
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an Archive from cfg.  extra options are applied to the S3
// client after cfg.
func New(ctx context.Context, cfg Config, extra ...func(*s3.Options)) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and friends reject the default trailing checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		for _, f := range extra {
			f(o)
		}
	})
	return &Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key is the object key for a file name
func (a *Archive) Key(name string) string {
	return path.Join(a.prefix, filepath.Base(name))
}

// UploadFile puts the file at fn under Key(fn) with metadata and returns the
// key
func (a *Archive) UploadFile(ctx context.Context, fn string, metadata map[string]string) (string, error) {
	f, err := os.Open(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key := a.Key(fn)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
