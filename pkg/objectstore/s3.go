package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Store talks to any S3-compatible service through minio-go. Conditional
// writes rely on the service honouring If-Match / If-None-Match on PUT.
type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// splitEndpoint strips a URL scheme, which minio-go does not accept, and
// lets it decide TLS.
func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return endpoint, useSSL
	}
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, mapS3Error(err)
	}

	// GetObject is lazy; Stat surfaces a missing key.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, mapS3Error(err)
	}
	return obj, statInfo(key, stat), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return statInfo(key, stat), nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	reader, size, putOpts, err := preparePut(body, size, opts)
	if err != nil {
		return nil, err
	}
	return s.put(ctx, key, reader, size, putOpts)
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	reader, size, putOpts, err := preparePut(body, size, opts)
	if err != nil {
		return nil, err
	}
	putOpts.SetMatchETagExcept("*")

	info, err := s.put(ctx, key, reader, size, putOpts)
	if IsPreconditionError(err) {
		return nil, ErrAlreadyExists
	}
	return info, err
}

func (s *S3Store) PutIfMatch(ctx context.Context, key string, body io.Reader, size int64, etag string, opts *PutOptions) (*ObjectInfo, error) {
	reader, size, putOpts, err := preparePut(body, size, opts)
	if err != nil {
		return nil, err
	}
	putOpts.SetMatchETag(etag)
	return s.put(ctx, key, reader, size, putOpts)
}

func (s *S3Store) put(ctx context.Context, key string, reader io.Reader, size int64, putOpts minio.PutObjectOptions) (*ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
	if err != nil {
		return nil, mapS3Error(err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, "\""),
		LastModified: info.LastModified,
		ContentType:  putOpts.ContentType,
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if mapped := mapS3Error(err); !IsNotFoundError(mapped) {
			return mapped
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, opts *ListOptions) (*ListResult, error) {
	listOpts := minio.ListObjectsOptions{Recursive: true}
	maxKeys := 1000
	if opts != nil {
		listOpts.Prefix = opts.Prefix
		listOpts.StartAfter = opts.Marker
		if opts.MaxKeys > 0 {
			maxKeys = opts.MaxKeys
		}
	}
	listOpts.MaxKeys = maxKeys

	// Cancelling stops the listing goroutine when we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &ListResult{}
	for obj := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if obj.Err != nil {
			return nil, mapS3Error(obj.Err)
		}
		if len(result.Objects) >= maxKeys {
			result.IsTruncated = true
			result.NextMarker = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         strings.Trim(obj.ETag, "\""),
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
	}
	return result, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func statInfo(key string, stat minio.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size,
		ETag:         strings.Trim(stat.ETag, "\""),
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
}

func mapS3Error(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return ErrNotFound
	case "PreconditionFailed":
		return ErrPrecondition
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrPrecondition
	case http.StatusConflict:
		return ErrAlreadyExists
	}
	return err
}

// preparePut verifies an expected checksum locally before upload and passes
// it to the service as user metadata.
func preparePut(body io.Reader, size int64, opts *PutOptions) (io.Reader, int64, minio.PutObjectOptions, error) {
	putOpts := minio.PutObjectOptions{ContentType: contentType(opts)}
	if opts == nil || opts.Checksum == "" {
		return body, size, putOpts, nil
	}

	data, checksum, _, err := hashBody(body, opts)
	if err != nil {
		return nil, 0, minio.PutObjectOptions{}, err
	}
	putOpts.UserMetadata = map[string]string{"Collab-Checksum-Sha256": checksum}
	return bytes.NewReader(data), int64(len(data)), putOpts, nil
}
