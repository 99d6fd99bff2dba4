package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ArchiveConfig configures the off-box audit archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO-style deployments
	Prefix   string
}

// S3Archiver uploads completed audit trail segments to an object store.
// Keys are content-addressed, so re-archiving the same segment is a no-op.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Archiver builds an archiver from ambient AWS credentials.
func NewS3Archiver(ctx context.Context, cfg S3ArchiveConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, clock: time.Now}, nil
}

// ArchiveFile uploads the trail file at path and returns the object key.
func (a *S3Archiver) ArchiveFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return a.Archive(ctx, data)
}

// Archive uploads one segment and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := fmt.Sprintf("%saudit/%s/%s.jsonl",
		a.prefix, a.clock().UTC().Format("2006-01-02"), hex.EncodeToString(sum[:]))

	// Content-addressed: skip the upload when the segment already exists.
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("audit archive upload failed: %w", err)
	}
	return key, nil
}
