package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 object metadata keys.
const (
	metaFileName  = "file-name"
	metaCreatedBy = "created-by"
	metaHash      = "sha256"
)

// S3API is the subset of the S3 client used by S3BlobStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore stores blobs as objects in one bucket.
type S3BlobStore struct {
	client S3API
	bucket string
}

// NewS3BlobStore wraps an existing client.
func NewS3BlobStore(client S3API, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket}
}

// NewS3BlobStoreFromEnv builds a client from the default AWS credential
// chain. A non-empty endpoint selects an S3-compatible service such as
// MinIO or LocalStack and switches to path-style addressing.
func NewS3BlobStoreFromEnv(ctx context.Context, bucket, endpoint string) (*S3BlobStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BlobStore(client, bucket), nil
}

func (s *S3BlobStore) Put(ctx context.Context, key string, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}

	data, err := readLimited(&meta, content)
	if err != nil {
		return nil, err
	}
	meta.Key = key
	meta.CreatedAt = time.Now().UTC()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(meta.Size),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			metaFileName:  meta.FileName,
			metaCreatedBy: meta.CreatedBy,
			metaHash:      meta.Hash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	return &meta, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}

	meta := &BlobMetadata{
		Key:         key,
		FileName:    out.Metadata[metaFileName],
		CreatedBy:   out.Metadata[metaCreatedBy],
		Hash:        out.Metadata[metaHash],
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		meta.CreatedAt = out.LastModified.UTC()
	}
	return out.Body, meta, nil
}

// Delete removes the object. S3 does not report missing keys, so deleting
// an absent blob succeeds.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

