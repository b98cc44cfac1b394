// Package objectstore abstracts the blob stores collab data can live in:
// process memory, a local directory, or an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrPrecondition   = errors.New("precondition failed")
	ErrAlreadyExists  = errors.New("object already exists")
	ErrChecksumFailed = errors.New("checksum verification failed")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

type ListResult struct {
	Objects     []ObjectInfo
	NextMarker  string
	IsTruncated bool
}

type PutOptions struct {
	ContentType string
	// Checksum is the base64 SHA-256 of the body; a mismatch fails the put
	// with ErrChecksumFailed and stores nothing.
	Checksum string
}

type ListOptions struct {
	Prefix  string
	Marker  string
	MaxKeys int
}

// Store is a flat key/blob namespace with conditional writes.
//
// PutIfAbsent fails with ErrAlreadyExists when the key exists. PutIfMatch
// fails with ErrPrecondition when the current ETag differs, or ErrNotFound
// when the key does not exist. Delete of a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error)
	PutIfAbsent(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error)
	PutIfMatch(ctx context.Context, key string, body io.Reader, size int64, etag string, opts *PutOptions) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts *ListOptions) (*ListResult, error)
}

// IsNotFoundError reports whether err means the object does not exist.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError reports whether a create-only write lost to an existing object.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsPreconditionError reports whether a conditional write saw a different ETag.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// Checksum returns the base64 SHA-256 of data in the form PutOptions expects.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, *ObjectInfo, error) {
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, info, nil
}

// Config selects and configures a Store implementation.
type Config struct {
	Type     string // memory, fs or s3
	RootPath string
	S3       S3Config
}

// New builds the Store described by cfg. For s3 the bucket is created if it
// does not exist.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "fs":
		if cfg.RootPath == "" {
			return nil, errors.New("object store root path is required for fs")
		}
		return NewFSStore(cfg.RootPath)
	case "s3":
		store, err := NewS3Store(cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown object store type %q", cfg.Type)
	}
}

// hashBody drains body and returns it with its checksum and ETag, verifying
// the expected checksum if one was given.
func hashBody(body io.Reader, opts *PutOptions) (data []byte, checksum, etag string, err error) {
	var buf bytes.Buffer
	hash := sha256.New()
	if _, err := io.Copy(&buf, io.TeeReader(body, hash)); err != nil {
		return nil, "", "", err
	}
	sum := hash.Sum(nil)
	checksum = base64.StdEncoding.EncodeToString(sum)
	if opts != nil && opts.Checksum != "" && checksum != opts.Checksum {
		return nil, "", "", fmt.Errorf("%w: checksum mismatch: expected %s, got %s", ErrChecksumFailed, opts.Checksum, checksum)
	}
	return buf.Bytes(), checksum, fmt.Sprintf("%x", sum[:16]), nil
}

func contentType(opts *PutOptions) string {
	if opts == nil {
		return ""
	}
	return opts.ContentType
}
