package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. Stored bytes are never
// shared with callers.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

type memoryObject struct {
	data         []byte
	etag         string
	lastModified time.Time
	contentType  string
}

func (o *memoryObject) info(key string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		ETag:         o.etag,
		LastModified: o.lastModified,
		ContentType:  o.contentType,
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memoryObject),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	// Objects are replaced, never mutated, so the reader can share data.
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info(key), nil
}

func (s *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return obj.info(key), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	obj, err := newMemoryObject(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = obj
	return obj.info(key), nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	obj, err := newMemoryObject(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil, ErrAlreadyExists
	}
	s.objects[key] = obj
	return obj.info(key), nil
}

func (s *MemoryStore) PutIfMatch(ctx context.Context, key string, body io.Reader, size int64, etag string, opts *PutOptions) (*ObjectInfo, error) {
	obj, err := newMemoryObject(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	if current.etag != etag {
		return nil, ErrPrecondition
	}
	s.objects[key] = obj
	return obj.info(key), nil
}

func newMemoryObject(body io.Reader, opts *PutOptions) (*memoryObject, error) {
	data, _, etag, err := hashBody(body, opts)
	if err != nil {
		return nil, err
	}
	return &memoryObject{
		data:         data,
		etag:         etag,
		lastModified: time.Now(),
		contentType:  contentType(opts),
	}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) (*ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prefix, marker string
	maxKeys := 1000
	if opts != nil {
		prefix = opts.Prefix
		marker = opts.Marker
		if opts.MaxKeys > 0 {
			maxKeys = opts.MaxKeys
		}
	}

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if !strings.HasPrefix(k, prefix) || (marker != "" && k <= marker) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return paginate(keys, maxKeys, func(key string) (*ObjectInfo, error) {
		return s.objects[key].info(key), nil
	})
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// paginate builds a ListResult from sorted keys.
func paginate(keys []string, maxKeys int, lookup func(string) (*ObjectInfo, error)) (*ListResult, error) {
	result := &ListResult{}
	for i, key := range keys {
		if i >= maxKeys {
			result.IsTruncated = true
			result.NextMarker = keys[i-1]
			break
		}
		info, err := lookup(key)
		if err != nil {
			if IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}
