package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"imagestore/internal/models"
)

// S3Blobs stores payloads as objects in a single bucket.
type S3Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Blobs builds a client from the default AWS credential chain.
func NewS3Blobs(ctx context.Context, bucket, prefix string) (*S3Blobs, error) {
	const op = "storage.NewS3Blobs"

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &S3Blobs{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (b *S3Blobs) key(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if b.prefix == "" {
		return clean
	}
	return b.prefix + "/" + clean
}

func (b *S3Blobs) Save(ctx context.Context, p string, data []byte) error {
	const op = "storage.S3Blobs.Save"

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b *S3Blobs) Read(ctx context.Context, p string) ([]byte, error) {
	const op = "storage.S3Blobs.Read"

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %s: %w", op, p, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

// Delete reports false when the object did not exist. S3 deletes are
// idempotent, so existence is checked with a HEAD first.
func (b *S3Blobs) Delete(ctx context.Context, p string) (bool, error) {
	const op = "storage.S3Blobs.Delete"

	key := aws.String(b.key(p))
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: key})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}
