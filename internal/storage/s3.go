package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/imthatdev/swush/internal/config"
)

const deleteBatchSize = 1000

// S3Gateway implements Gateway against any S3-compatible store (AWS S3,
// Cloudflare R2 with a custom endpoint).
type S3Gateway struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Gateway builds the S3 client from static credentials.
func NewS3Gateway(ctx context.Context, cfg config.StorageConfig) (*S3Gateway, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Gateway{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (g *S3Gateway) Put(ctx context.Context, ownerID uuid.UUID, name, contentType string, payload []byte) error {
	_, err := g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(objectKey(ownerID, name)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", name, err)
	}
	return nil
}

func (g *S3Gateway) Read(ctx context.Context, ownerID uuid.UUID, name string) ([]byte, string, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(objectKey(ownerID, name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("read %q: %w", name, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, "", fmt.Errorf("read body of %q: %w", name, err)
	}

	contentType := ""
	if out.ContentType != nil {
		contentType = *out.ContentType
	}
	return buf.Bytes(), contentType, nil
}

func (g *S3Gateway) Delete(ctx context.Context, ownerID uuid.UUID, name string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(objectKey(ownerID, name)),
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

func (g *S3Gateway) DeletePrefix(ctx context.Context, ownerID uuid.UUID, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(objectKey(ownerID, prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list prefix %q: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, deleteBatchSize)
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			if len(objects) == deleteBatchSize {
				if err := g.deleteBatch(ctx, objects); err != nil {
					return fmt.Errorf("delete under prefix %q: %w", prefix, err)
				}
				objects = objects[:0]
			}
		}
		if len(objects) > 0 {
			if err := g.deleteBatch(ctx, objects); err != nil {
				return fmt.Errorf("delete under prefix %q: %w", prefix, err)
			}
		}
	}
	return nil
}

func (g *S3Gateway) deleteBatch(ctx context.Context, objects []types.ObjectIdentifier) error {
	_, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(g.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	return err
}
