package rvbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MirrorClient wraps an S3 client for an S3-compatible bucket (AWS, R2, MinIO)
// holding shared cache archives.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewMirrorClient initializes the mirror from RVBUILD_MIRROR_* values.
// It returns nil, nil when no bucket is configured.
func NewMirrorClient(ctx context.Context, cfg *Config) (*MirrorClient, error) {
	bucket := cfg.Values["RVBUILD_MIRROR_BUCKET"]
	if bucket == "" {
		return nil, nil
	}
	endpoint := cfg.Values["RVBUILD_MIRROR_ENDPOINT"]
	accessKey := cfg.Values["RVBUILD_MIRROR_ACCESS_KEY_ID"]
	secretKey := cfg.Values["RVBUILD_MIRROR_SECRET_ACCESS_KEY"]
	region := cfg.get("RVBUILD_MIRROR_REGION", "auto")

	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &MirrorClient{
		Client:     client,
		BucketName: bucket,
		Prefix:     cfg.Values["RVBUILD_MIRROR_PREFIX"],
	}, nil
}

func (m *MirrorClient) key(name string) string {
	if m.Prefix == "" {
		return name
	}
	return m.Prefix + "/" + name
}

// Fetch downloads key into destPath. A missing object is reported as (false, nil).
func (m *MirrorClient) Fetch(ctx context.Context, key, destPath string) (bool, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(m.key(key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	defer output.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return false, err
	}
	tmp := destPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, output.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return false, err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, os.Rename(tmp, destPath)
}

// Push uploads a file from disk to the mirror.
func (m *MirrorClient) Push(ctx context.Context, key, srcPath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if filepath.Ext(key) == ".zst" {
		contentType = "application/zstd"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(m.key(key)),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}
