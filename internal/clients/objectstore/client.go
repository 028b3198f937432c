// Package objectstore uploads exported workbooks to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/saa/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ContentTypeXLSX is the MIME type of exported workbooks
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// UploadAPI is the part of manager.Uploader used by the client
type UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Object describes one uploaded file
type Object struct {
	Key      string    `json:"key"`
	Location string    `json:"location"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded_at"`
}

// Client uploads objects into a single bucket
type Client struct {
	bucket   string
	uploader UploadAPI
	log      zerolog.Logger
}

// NewClient creates a client from storage settings. A custom endpoint
// switches to path-style addressing for R2 and MinIO.
func NewClient(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("object storage is not configured: S3_BUCKET is empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewClientWithUploader(cfg.Bucket, manager.NewUploader(s3Client), log), nil
}

// NewClientWithUploader creates a client over an existing uploader
func NewClientWithUploader(bucket string, uploader UploadAPI, log zerolog.Logger) *Client {
	return &Client{
		bucket:   bucket,
		uploader: uploader,
		log:      log.With().Str("component", "objectstore").Str("bucket", bucket).Logger(),
	}
}

// Bucket returns the target bucket
func (c *Client) Bucket() string {
	return c.bucket
}

// Upload stores data under key
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	start := time.Now()
	out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	obj := Object{Key: key, Size: int64(len(data)), Uploaded: time.Now().UTC()}
	if out != nil {
		obj.Location = out.Location
	}

	c.log.Info().
		Str("key", key).
		Int64("size_bytes", obj.Size).
		Dur("duration", time.Since(start)).
		Msg("Uploaded object")
	return obj, nil
}

// Key joins the export path {storageID}/{fileName}/{file}
func Key(storageID, fileName, file string) string {
	parts := []string{
		strings.Trim(storageID, "/"),
		strings.Trim(fileName, "/"),
		file,
	}
	return strings.Join(parts, "/")
}
