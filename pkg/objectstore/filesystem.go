package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FSStore keeps objects under a local directory: object bytes in
// root/objects/<key> and metadata in root/meta/<key>.json. Files are written
// to a temporary name and renamed into place, so a crash never leaves a
// partially written object behind.
type FSStore struct {
	root string
	mu   sync.RWMutex
}

type fsMeta struct {
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
	Checksum     string    `json:"checksum"`
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.root, "objects", filepath.FromSlash(key))
}

func (s *FSStore) metaPath(key string) string {
	return filepath.Join(s.root, "meta", filepath.FromSlash(key)+".json")
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return file, meta.info(key), nil
}

func (s *FSStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(key)
	if err != nil {
		return nil, err
	}
	return meta.info(key), nil
}

func (s *FSStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, checksum, etag, err := hashBody(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, data, checksum, etag, opts)
}

func (s *FSStore) PutIfAbsent(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) (*ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, checksum, etag, err := hashBody(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.readMeta(key); err == nil {
		return nil, ErrAlreadyExists
	} else if !IsNotFoundError(err) {
		return nil, err
	}
	return s.write(key, data, checksum, etag, opts)
}

func (s *FSStore) PutIfMatch(ctx context.Context, key string, body io.Reader, size int64, etag string, opts *PutOptions) (*ObjectInfo, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, checksum, newETag, err := hashBody(body, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(key)
	if err != nil {
		return nil, err
	}
	if meta.ETag != etag {
		return nil, ErrPrecondition
	}
	return s.write(key, data, checksum, newETag, opts)
}

// write stores the object bytes first and the metadata last; an object is
// visible once its metadata exists.
func (s *FSStore) write(key string, data []byte, checksum, etag string, opts *PutOptions) (*ObjectInfo, error) {
	if err := writeFileAtomic(s.objectPath(key), data); err != nil {
		return nil, err
	}

	meta := fsMeta{
		Size:         int64(len(data)),
		ETag:         etag,
		LastModified: time.Now().UTC(),
		ContentType:  contentType(opts),
		Checksum:     checksum,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.metaPath(key), metaData); err != nil {
		return nil, err
	}
	return meta.info(key), nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Metadata first so a half-finished delete reads as not found.
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FSStore) List(ctx context.Context, opts *ListOptions) (*ListResult, error) {
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

	metaDir := filepath.Join(s.root, "meta")
	var keys []string
	err := filepath.WalkDir(metaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == metaDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(metaDir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if !strings.HasPrefix(key, prefix) || (marker != "" && key <= marker) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return paginate(keys, maxKeys, func(key string) (*ObjectInfo, error) {
		meta, err := s.readMeta(key)
		if err != nil {
			return nil, err
		}
		return meta.info(key), nil
	})
}

func (s *FSStore) readMeta(key string) (*fsMeta, error) {
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var meta fsMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata for %s: %w", key, err)
	}
	return &meta, nil
}

func (m *fsMeta) info(key string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         m.Size,
		ETag:         m.ETag,
		LastModified: m.LastModified,
		ContentType:  m.ContentType,
	}
}
