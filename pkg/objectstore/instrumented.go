package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/collabd/collabd/internal/metrics"
)

// InstrumentedStore records latency and outcome of every call to inner.
type InstrumentedStore struct {
	inner   Store
	metrics *metrics.StorageMetrics
}

// NewInstrumentedStore wraps inner. A nil m disables recording.
func NewInstrumentedStore(inner Store, m *metrics.StorageMetrics) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, metrics: m}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	// Misses and lost races are expected outcomes, not store failures.
	if IsNotFoundError(err) || IsConflictError(err) || IsPreconditionError(err) {
		err = nil
	}
	s.metrics.ObserveObjectStoreOp(op, time.Since(start).Seconds(), err)
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	start := time.Now()
	reader, info, err := s.inner.Get(ctx, key)
	s.observe("get", start, err)
	return reader, info, err
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.inner.Head(ctx, key)
	s.observe("head", start, err)
	return info, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.inner.Put(ctx, key, body, size, opts)
	s.observe("put", start, err)
	return info, err
}

func (s *InstrumentedStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.inner.PutIfAbsent(ctx, key, body, size, opts)
	s.observe("put_if_absent", start, err)
	return info, err
}

func (s *InstrumentedStore) PutIfMatch(ctx context.Context, key string, body io.Reader, size int64, etag string, opts *PutOptions) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.inner.PutIfMatch(ctx, key, body, size, etag, opts)
	s.observe("put_if_match", start, err)
	return info, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, opts *ListOptions) (*ListResult, error) {
	start := time.Now()
	result, err := s.inner.List(ctx, opts)
	s.observe("list", start, err)
	return result, err
}
