package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores a finished export and returns where it went.
type Sink interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Compile-time interface checks.
var (
	_ Sink = (*FileSink)(nil)
	_ Sink = (*S3Sink)(nil)
)

// FileSink writes exports into a local directory.
type FileSink struct {
	Dir string
}

// Put writes data to Dir/name, creating Dir if needed.
func (f *FileSink) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("telemetry: file sink: %w", err)
	}
	p := filepath.Join(f.Dir, filepath.Base(name))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("telemetry: file sink: %w", err)
	}
	return p, nil
}

// S3Config configures [NewS3Sink].
type S3Config struct {
	Bucket string
	Region string
	// Prefix is prepended to every object key.
	Prefix string
	// Endpoint points the client at an S3-compatible service such as MinIO.
	// Path-style addressing is used when it is set.
	Endpoint string
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
}

// ObjectPutter is the subset of the S3 client used by [S3Sink].
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads exports to an S3 bucket.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Sink loads AWS configuration and creates an S3Sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("telemetry: s3 sink: bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: s3 sink: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient creates an S3Sink over an existing client.
func NewS3SinkWithClient(client ObjectPutter, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads data under prefix/name and returns the s3:// URI.
func (s *S3Sink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	key := path.Join(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("telemetry: s3 sink: put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// ExportTo renders an export and hands it to sink under a timestamped name.
func ExportTo(ctx context.Context, store Store, sink Sink, format Format, rng Range, now time.Time) (string, error) {
	var buf bytes.Buffer
	if err := Export(ctx, store, format, rng, now, &buf); err != nil {
		return "", err
	}
	return sink.Put(ctx, ExportName(format, now), format.ContentType(), buf.Bytes())
}

// ExportName is the file name of an export taken at now.
func ExportName(format Format, now time.Time) string {
	return "medscribe-export-" + now.UTC().Format("20060102T150405Z") + format.Ext()
}
