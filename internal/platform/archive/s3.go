// Package archive keeps original uploads in S3 so they can be re-extracted later.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/invoice-intake-pipeline/internal/domain/shared"
)

// Object metadata keys carried alongside the bytes
const (
	metaFileName = "file-name"
	metaSize     = "size"
)

// s3API is the subset of the S3 client the archive calls
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type S3Archive struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Client loads the default AWS credential chain, honouring a custom endpoint (MinIO, LocalStack)
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func NewS3Archive(client s3API, cfg config.ArchiveConfig, logger *slog.Logger) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}
}

// Store uploads the file under key
func (a *S3Archive) Store(ctx context.Context, key string, file *document.File) error {
	objectKey := a.objectKey(key)
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(file.Data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			metaFileName: file.Name,
			metaSize:     strconv.Itoa(len(file.Data)),
		},
	})
	if err != nil {
		return shared.NewExternalServiceError(fmt.Sprintf("put object s3://%s/%s", a.bucket, objectKey), err)
	}
	a.logger.Debug("document archived", "key", objectKey, "bytes", len(file.Data))
	return nil
}

// Fetch downloads the file stored under key. A missing object is a NotFoundError.
func (a *S3Archive) Fetch(ctx context.Context, key string) (*document.File, error) {
	objectKey := a.objectKey(key)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, shared.NewNotFoundError(fmt.Sprintf("archived document %s not found", objectKey))
		}
		return nil, shared.NewExternalServiceError(fmt.Sprintf("get object s3://%s/%s", a.bucket, objectKey), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, shared.NewExternalServiceError("read archived document", err)
	}

	name := out.Metadata[metaFileName]
	if name == "" {
		name = path.Base(objectKey)
	}
	return &document.File{
		Name:        name,
		ContentType: aws.ToString(out.ContentType),
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

// Ping checks the bucket is reachable
func (a *S3Archive) Ping(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *S3Archive) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}
