package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// PutObjectAPI is the part of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores images in an S3 bucket.
type S3Uploader struct {
	client       PutObjectAPI
	bucket       string
	folderPrefix string
	now          func() time.Time
}

// NewS3Uploader creates an uploader with a client built from the default
// AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg *config.S3BlobConfig, folderPrefix string) (*S3Uploader, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	slog.Info("S3 blob store configured", "bucket", cfg.Bucket, "region", awsCfg.Region)
	return NewS3UploaderWithClient(client, cfg.Bucket, folderPrefix), nil
}

// NewS3UploaderWithClient creates an uploader around an existing client.
func NewS3UploaderWithClient(client PutObjectAPI, bucket, folderPrefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, folderPrefix: folderPrefix, now: time.Now}
}

// UploadBuffer implements Uploader. The returned path is the object key.
func (u *S3Uploader) UploadBuffer(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if len(in.Buffer) == 0 {
		return nil, fmt.Errorf("empty image buffer")
	}

	key := ObjectPath(in, u.folderPrefix, u.now())
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(in.Buffer),
		ContentLength: aws.Int64(int64(len(in.Buffer))),
	}
	if in.MimeType != "" {
		input.ContentType = aws.String(in.MimeType)
	}
	if in.OwnerID != "" {
		input.Metadata = map[string]string{"owner-id": in.OwnerID}
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to upload %s to bucket %s: %w", key, u.bucket, err)
	}
	return &UploadResult{FilePath: key}, nil
}
