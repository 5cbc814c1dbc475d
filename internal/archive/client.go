// Package archive uploads finished tick results and rolled-off audit batches
// to an S3-compatible bucket for long-term retention beyond the operational
// database, with a NewClient/Upload/List/Delete call shape written directly
// against aws-sdk-go-v2.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig names the environment knobs archive.Client needs.
type ClientConfig struct {
	Bucket   string
	Endpoint string // R2-style custom endpoint; empty means real AWS S3
	Region   string
	// AccessKeyID/SecretAccessKey are optional; when empty the default SDK
	// credential chain (env vars, shared config, IMDS) is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps an S3-compatible object store behind Upload, List and Delete;
// ChangeLogArchiver itself only calls Upload.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewClient builds a Client from cfg. With cfg.Bucket empty, archival is
// disabled and callers should skip wiring a ChangeLogArchiver entirely.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3:       s3Client,
		uploader: manager.NewUploader(s3Client),
		bucket:   cfg.Bucket,
	}, nil
}

// Upload puts body under key, replacing any existing object.
func (c *Client) Upload(ctx context.Context, key string, body []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}

// List returns every object key under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes key. Used by retention cleanup; not currently exercised by
// ChangeLogArchiver, which only ever appends.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("archive: delete %s: %w", key, err)
	}
	return nil
}
