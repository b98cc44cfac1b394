// Package storage implements collab.Backend on top of an object store and on
// top of PostgreSQL.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/pkg/objectstore"
)

var (
	ErrCASRetryExhausted = errors.New("manifest CAS update failed after max retries")
	ErrUnsupportedFormat = errors.New("unsupported manifest format version")

	// errWriteOutcomeUnknown wraps a manifest write that failed without a
	// definite rejection. The write may still have been applied.
	errWriteOutcomeUnknown = errors.New("manifest write outcome unknown")
)

const (
	ManifestFormatVersion = 1

	// WorkspacesPrefix is the key prefix under which every workspace lives.
	WorkspacesPrefix = "collabd/workspaces/"

	maxCASRetries  = 10
	manifestKeyFmt = WorkspacesPrefix + "%s/manifest.json"
	blobKeyFmt     = WorkspacesPrefix + "%s/blobs/%s/%d"
)

// ManifestKey returns the object key of a workspace's manifest.
func ManifestKey(workspaceID string) string {
	return fmt.Sprintf(manifestKeyFmt, workspaceID)
}

// BlobPrefix returns the key prefix of every blob staged in a workspace.
func BlobPrefix(workspaceID string) string {
	return WorkspacesPrefix + workspaceID + "/blobs/"
}

// BlobKey returns the object key of the n-th blob staged by a batch.
func BlobKey(workspaceID, batchID string, n int) string {
	return fmt.Sprintf(blobKeyFmt, workspaceID, batchID, n)
}

// Manifest is the authoritative index of one workspace: which blob holds
// the current bytes of each collab. A batch becomes visible when the
// manifest that references its blobs is written.
type Manifest struct {
	FormatVersion int                      `json:"format_version"`
	WorkspaceID   string                   `json:"workspace_id"`
	UpdatedAt     time.Time                `json:"updated_at"`
	Objects       map[string]ManifestEntry `json:"objects"`
}

// ManifestEntry locates the blob of one collab. Batch is the id of the
// commit that staged the blob.
type ManifestEntry struct {
	BlobKey   string    `json:"blob_key"`
	Batch     string    `json:"batch,omitempty"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newManifest(workspaceID string) *Manifest {
	return &Manifest{
		FormatVersion: ManifestFormatVersion,
		WorkspaceID:   workspaceID,
		Objects:       make(map[string]ManifestEntry),
	}
}

// entryKey is "<type>/<object_id>". Valid object ids never contain "/", so
// the key splits at its first "/".
func entryKey(id collab.Identity) string {
	return strconv.Itoa(int(id.Type)) + "/" + id.ObjectID
}

// Lookup returns the entry for id.
func (m *Manifest) Lookup(id collab.Identity) (ManifestEntry, bool) {
	e, ok := m.Objects[entryKey(id)]
	return e, ok
}

func (m *Manifest) clone() *Manifest {
	out := &Manifest{
		FormatVersion: m.FormatVersion,
		WorkspaceID:   m.WorkspaceID,
		UpdatedAt:     m.UpdatedAt,
		Objects:       make(map[string]ManifestEntry, len(m.Objects)),
	}
	for k, v := range m.Objects {
		out.Objects[k] = v
	}
	return out
}

// loadedManifest is a manifest with the ETag it was read at. An empty ETag
// means the workspace has no manifest yet.
type loadedManifest struct {
	manifest *Manifest
	etag     string
}

// manifestStore reads and CAS-updates workspace manifests.
type manifestStore struct {
	store objectstore.Store
}

func (s *manifestStore) load(ctx context.Context, workspaceID string) (*loadedManifest, error) {
	data, info, err := objectstore.ReadAll(ctx, s.store, ManifestKey(workspaceID))
	if err != nil {
		if objectstore.IsNotFoundError(err) {
			return &loadedManifest{manifest: newManifest(workspaceID)}, nil
		}
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.FormatVersion != ManifestFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, m.FormatVersion)
	}
	if m.Objects == nil {
		m.Objects = make(map[string]ManifestEntry)
	}
	return &loadedManifest{manifest: &m, etag: info.ETag}, nil
}

// LoadManifest reads the current manifest of a workspace. A workspace that
// has never been written yields an empty manifest.
func LoadManifest(ctx context.Context, store objectstore.Store, workspaceID string) (*Manifest, error) {
	loaded, err := (&manifestStore{store: store}).load(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return loaded.manifest, nil
}

// HasBatch reports whether any entry was staged by batchID.
func (m *Manifest) HasBatch(batchID string) bool {
	if batchID == "" {
		return false
	}
	for _, e := range m.Objects {
		if e.Batch == batchID {
			return true
		}
	}
	return false
}

// BlobKeys returns the set of blob keys the manifest references.
func (m *Manifest) BlobKeys() map[string]bool {
	keys := make(map[string]bool, len(m.Objects))
	for _, e := range m.Objects {
		keys[e.BlobKey] = true
	}
	return keys
}

// updateFunc mutates a copy of the current manifest. Returning an error
// aborts the update and is passed through unchanged.
type updateFunc func(m *Manifest) error

// update applies fn to the current manifest and writes it back with a
// conditional put, retrying on a lost race up to maxCASRetries times. It
// returns the manifest that was replaced and the one that was written. A
// write error that is not a definite rejection wraps errWriteOutcomeUnknown.
func (s *manifestStore) update(ctx context.Context, workspaceID string, fn updateFunc) (prev, next *Manifest, err error) {
	var lastErr error
	key := ManifestKey(workspaceID)

	for i := 0; i < maxCASRetries; i++ {
		loaded, err := s.load(ctx, workspaceID)
		if err != nil {
			return nil, nil, err
		}

		updated := loaded.manifest.clone()
		if err := fn(updated); err != nil {
			return nil, nil, err
		}
		updated.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(updated)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}
		opts := &objectstore.PutOptions{ContentType: "application/json"}

		if loaded.etag == "" {
			_, err = s.store.PutIfAbsent(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
		} else {
			_, err = s.store.PutIfMatch(ctx, key, bytes.NewReader(data), int64(len(data)), loaded.etag, opts)
		}
		if err != nil {
			// Someone else created, replaced or removed the manifest since we read it.
			if objectstore.IsConflictError(err) || objectstore.IsPreconditionError(err) || objectstore.IsNotFoundError(err) {
				lastErr = err
				continue
			}
			return nil, nil, fmt.Errorf("%w: %w", errWriteOutcomeUnknown, err)
		}
		return loaded.manifest, updated, nil
	}

	return nil, nil, fmt.Errorf("%w: %v", ErrCASRetryExhausted, lastErr)
}
