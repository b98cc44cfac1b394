package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/pkg/objectstore"
)

// ErrCorruptBlob means a blob's bytes do not match the checksum recorded in
// the manifest.
var ErrCorruptBlob = errors.New("collab blob checksum mismatch")

var errBatchApplied = errors.New("batch already applied")

const (
	// snapshotAttempts bounds how often a read restarts after a blob it was
	// about to read was replaced by a newer commit.
	snapshotAttempts = 3

	verifyTimeout = 5 * time.Second
)

// ObjectBackend stores each collab as an immutable blob and publishes a
// batch by a single conditional write of the workspace manifest. Readers
// resolve all ids against one manifest, so a batch is either fully visible
// or not at all.
type ObjectBackend struct {
	store     objectstore.Store
	manifests *manifestStore
	limiter   *ReadLimiter
	logger    *logging.Logger
}

var _ collab.Backend = (*ObjectBackend)(nil)

// NewObjectBackend creates an ObjectBackend. readConcurrency bounds blob
// reads per workspace; logger may be nil.
func NewObjectBackend(store objectstore.Store, readConcurrency int, logger *logging.Logger) *ObjectBackend {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ObjectBackend{
		store:     store,
		manifests: &manifestStore{store: store},
		limiter:   NewReadLimiter(readConcurrency),
		logger:    logger,
	}
}

// Commit uploads every write as a new blob, then swaps them into the
// manifest in one CAS. Blobs of a batch that definitely did not commit are
// removed. When the manifest write has an unknown outcome they are left for
// the orphan collector.
func (b *ObjectBackend) Commit(ctx context.Context, workspaceID string, writes []collab.Write) error {
	if len(writes) == 0 {
		return nil
	}

	// Fail fast on a conflict before uploading anything. The check is
	// repeated against the manifest actually replaced.
	current, err := b.manifests.load(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := checkConflicts(current.manifest, writes); err != nil {
		return err
	}

	batchID := uuid.NewString()
	staged := make([]ManifestEntry, 0, len(writes))
	keepStaged := false
	defer func() {
		if !keepStaged {
			b.removeBlobs(ctx, staged)
		}
	}()

	now := time.Now().UTC()
	for i, w := range writes {
		key := BlobKey(workspaceID, batchID, i)
		checksum := objectstore.Checksum(w.Data)
		_, err := b.store.PutIfAbsent(ctx, key, bytes.NewReader(w.Data), int64(len(w.Data)), &objectstore.PutOptions{
			ContentType: "application/octet-stream",
			Checksum:    checksum,
		})
		if err != nil {
			return fmt.Errorf("failed to stage blob for %s: %w", w.ObjectID, err)
		}
		staged = append(staged, ManifestEntry{
			BlobKey:   key,
			Batch:     batchID,
			Size:      int64(len(w.Data)),
			Checksum:  checksum,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	prev, _, err := b.manifests.update(ctx, workspaceID, func(m *Manifest) error {
		// An earlier attempt landed even though its reply was lost.
		if m.HasBatch(batchID) {
			return errBatchApplied
		}
		if err := checkConflicts(m, writes); err != nil {
			return err
		}
		for i, w := range writes {
			entry := staged[i]
			if old, ok := m.Lookup(w.Identity); ok {
				entry.CreatedAt = old.CreatedAt
			}
			m.Objects[entryKey(w.Identity)] = entry
		}
		return nil
	})
	switch {
	case errors.Is(err, errBatchApplied):
		// Blobs this batch replaced are left for the orphan collector.
		keepStaged = true
		return nil
	case errors.Is(err, errWriteOutcomeUnknown):
		keepStaged = true
		if b.batchVisible(ctx, workspaceID, batchID) {
			return nil
		}
		b.logger.WithContext(ctx).Warn("manifest write outcome unknown, leaving staged blobs",
			"workspace_id", workspaceID,
			"batch_id", batchID,
			"error", err,
		)
		return err
	case err != nil:
		return err
	}
	keepStaged = true

	// Overridden blobs are unreachable now. Readers still holding the old
	// manifest restart on a fresh one when a blob disappears.
	var replaced []ManifestEntry
	for _, w := range writes {
		if old, ok := prev.Lookup(w.Identity); ok {
			replaced = append(replaced, old)
		}
	}
	b.removeBlobs(ctx, replaced)
	return nil
}

// batchVisible re-reads the manifest after a write with an unknown outcome.
// The read outlives a cancelled ctx so a timed out commit can still confirm.
func (b *ObjectBackend) batchVisible(ctx context.Context, workspaceID, batchID string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
	defer cancel()

	loaded, err := b.manifests.load(ctx, workspaceID)
	if err != nil {
		return false
	}
	return loaded.manifest.HasBatch(batchID)
}

func checkConflicts(m *Manifest, writes []collab.Write) error {
	for _, w := range writes {
		if w.Override {
			continue
		}
		if _, ok := m.Lookup(w.Identity); ok {
			return &collab.ConflictError{ObjectID: w.ObjectID}
		}
	}
	return nil
}

func (b *ObjectBackend) removeBlobs(ctx context.Context, entries []ManifestEntry) {
	for _, e := range entries {
		if err := b.store.Delete(ctx, e.BlobKey); err != nil {
			b.logger.WithContext(ctx).Warn("failed to remove collab blob",
				"blob_key", e.BlobKey,
				"error", err,
			)
		}
	}
}

// Get returns the bytes of one collab.
func (b *ObjectBackend) Get(ctx context.Context, id collab.Identity) ([]byte, error) {
	results, err := b.Fetch(ctx, id.WorkspaceID, []collab.Identity{id})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Data, nil
}

// Fetch resolves ids against a single manifest and reads their blobs in
// parallel, bounded per workspace. If a blob vanished because a newer
// commit replaced it, the whole read restarts on the newer manifest.
func (b *ObjectBackend) Fetch(ctx context.Context, workspaceID string, ids []collab.Identity) ([]collab.ItemResult, error) {
	var results []collab.ItemResult
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		loaded, err := b.manifests.load(ctx, workspaceID)
		if err != nil {
			return nil, err
		}

		var stale bool
		results, stale = b.readSnapshot(ctx, workspaceID, loaded.manifest, ids)
		if !stale {
			return results, nil
		}
	}
	// Still racing with writers; report what the last snapshot could read.
	for i := range results {
		if objectstore.IsNotFoundError(results[i].Err) {
			results[i].Err = fmt.Errorf("blob replaced during read of %s: %w", results[i].ObjectID, objectstore.ErrNotFound)
		}
	}
	return results, nil
}

func (b *ObjectBackend) readSnapshot(ctx context.Context, workspaceID string, m *Manifest, ids []collab.Identity) ([]collab.ItemResult, bool) {
	results := make([]collab.ItemResult, len(ids))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stale bool
	)
	for i, id := range ids {
		results[i] = collab.ItemResult{ObjectID: id.ObjectID, CollabType: id.Type}

		entry, ok := m.Lookup(id)
		if !ok {
			results[i].Err = collab.ErrNotFound
			continue
		}

		wg.Add(1)
		go func(i int, entry ManifestEntry) {
			defer wg.Done()

			release, err := b.limiter.Acquire(ctx, workspaceID)
			if err != nil {
				results[i].Err = err
				return
			}
			defer release()

			data, err := b.readBlob(ctx, entry)
			if objectstore.IsNotFoundError(err) {
				mu.Lock()
				stale = true
				mu.Unlock()
			}
			results[i].Data = data
			results[i].Err = err
		}(i, entry)
	}
	wg.Wait()
	return results, stale
}

func (b *ObjectBackend) readBlob(ctx context.Context, entry ManifestEntry) ([]byte, error) {
	data, _, err := objectstore.ReadAll(ctx, b.store, entry.BlobKey)
	if err != nil {
		return nil, err
	}
	if objectstore.Checksum(data) != entry.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorruptBlob, entry.BlobKey)
	}
	return data, nil
}

// Exists reports whether the manifest lists id.
func (b *ObjectBackend) Exists(ctx context.Context, id collab.Identity) (bool, error) {
	loaded, err := b.manifests.load(ctx, id.WorkspaceID)
	if err != nil {
		return false, err
	}
	_, ok := loaded.manifest.Lookup(id)
	return ok, nil
}

// Delete removes id from the manifest, then its blob.
func (b *ObjectBackend) Delete(ctx context.Context, id collab.Identity) error {
	var removed ManifestEntry
	_, _, err := b.manifests.update(ctx, id.WorkspaceID, func(m *Manifest) error {
		entry, ok := m.Lookup(id)
		if !ok {
			return collab.ErrNotFound
		}
		removed = entry
		delete(m.Objects, entryKey(id))
		return nil
	})
	if err != nil {
		return err
	}
	b.removeBlobs(ctx, []ManifestEntry{removed})
	return nil
}

// Close is a no-op; the object store has no connection to release.
func (b *ObjectBackend) Close() error {
	return nil
}
