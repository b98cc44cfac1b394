// Package gc removes collab blobs that no workspace manifest references.
//
// A commit stages its blobs before it publishes the manifest that points at
// them, and removes replaced blobs only after publishing. A crash or a
// manifest write whose outcome is unknown leaves unreferenced blobs behind,
// as does a failed cleanup. The orphan collector sweeps them once they are
// older than the retention time.
package gc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/internal/metrics"
	"github.com/collabd/collabd/internal/storage"
	"github.com/collabd/collabd/pkg/objectstore"
)

var ErrGCInProgress = errors.New("garbage collection already in progress")

const (
	// OrphanScanMarkerKey is the object key for the scan progress marker.
	OrphanScanMarkerKey = "collabd/gc/orphan_scan_marker.json"

	// DefaultOrphanRetentionTime is the minimum age a blob must have before
	// it is considered orphaned. It must exceed the commit timeout.
	DefaultOrphanRetentionTime = time.Hour
)

// OrphanScanMarker tracks the progress of a scan pass so a restarted
// collector resumes where it stopped.
type OrphanScanMarker struct {
	LastScanStarted   time.Time  `json:"last_scan_started"`
	LastScanCompleted *time.Time `json:"last_scan_completed,omitempty"`

	// CurrentWorkspace is the workspace being scanned; empty between passes.
	CurrentWorkspace string `json:"current_workspace,omitempty"`

	ObjectsScanned int64 `json:"objects_scanned"`
	OrphansFound   int64 `json:"orphans_found"`
	OrphansDeleted int64 `json:"orphans_deleted"`
}

// OrphanConfig configures the orphan collector.
type OrphanConfig struct {
	ScanInterval  time.Duration
	RetentionTime time.Duration
	BatchSize     int
	// DryRun only reports orphans.
	DryRun bool
}

// DefaultOrphanConfig returns the defaults used when no config is given.
func DefaultOrphanConfig() *OrphanConfig {
	return &OrphanConfig{
		ScanInterval:  6 * time.Hour,
		RetentionTime: DefaultOrphanRetentionTime,
		BatchSize:     1000,
	}
}

// OrphanResult is the outcome of sweeping one workspace.
type OrphanResult struct {
	WorkspaceID    string
	OrphanObjects  []string
	DeletedObjects []string
	Errors         []error
	ObjectsScanned int
	Duration       time.Duration
}

// OrphanCollector scans workspaces for unreferenced blobs and removes them.
type OrphanCollector struct {
	store   objectstore.Store
	config  *OrphanConfig
	logger  *logging.Logger
	metrics *metrics.StorageMetrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewOrphanCollector creates a collector. config, logger and m may be nil.
func NewOrphanCollector(store objectstore.Store, config *OrphanConfig, logger *logging.Logger, m *metrics.StorageMetrics) *OrphanCollector {
	if config == nil {
		config = DefaultOrphanConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &OrphanCollector{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Start begins the background collection loop. The first pass runs
// immediately.
func (c *OrphanCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrGCInProgress
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.runLoop(ctx)
	return nil
}

// Stop stops the background loop and waits for the current pass to end.
func (c *OrphanCollector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *OrphanCollector) runLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.ScanInterval)
	defer ticker.Stop()

	c.ScanAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.ScanAll(ctx)
		}
	}
}

func (c *OrphanCollector) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// ScanAll runs one pass over every workspace, resuming an unfinished pass
// recorded in the scan marker.
func (c *OrphanCollector) ScanAll(ctx context.Context) {
	marker, err := c.loadScanMarker(ctx)
	if err != nil {
		c.logger.Warn("failed to load orphan scan marker", "error", err)
	}
	if marker == nil || marker.LastScanCompleted != nil {
		marker = &OrphanScanMarker{LastScanStarted: c.now().UTC()}
	}

	workspaces, err := c.listWorkspaces(ctx)
	if err != nil {
		c.logger.Error("orphan scan failed to list workspaces", "error", err)
		return
	}

	startIdx := 0
	if marker.CurrentWorkspace != "" {
		for i, ws := range workspaces {
			if ws == marker.CurrentWorkspace {
				startIdx = i
				break
			}
		}
	}

	for _, ws := range workspaces[startIdx:] {
		if c.stopping(ctx) {
			return
		}
		marker.CurrentWorkspace = ws
		c.saveScanMarker(ctx, marker)

		result, err := c.CollectWorkspaceOrphans(ctx, ws)
		if err != nil {
			c.logger.Warn("orphan scan skipped workspace", "workspace_id", ws, "error", err)
		}
		if result != nil {
			marker.ObjectsScanned += int64(result.ObjectsScanned)
			marker.OrphansFound += int64(len(result.OrphanObjects))
			marker.OrphansDeleted += int64(len(result.DeletedObjects))
		}
	}

	now := c.now().UTC()
	marker.LastScanCompleted = &now
	marker.CurrentWorkspace = ""
	c.saveScanMarker(ctx, marker)

	c.logger.Info("orphan scan completed",
		"workspaces", len(workspaces),
		"objects_scanned", marker.ObjectsScanned,
		"orphans_found", marker.OrphansFound,
		"orphans_deleted", marker.OrphansDeleted,
	)
}

// listWorkspaces returns every workspace id that has objects in the store.
func (c *OrphanCollector) listWorkspaces(ctx context.Context) ([]string, error) {
	var workspaces []string
	seen := make(map[string]bool)
	marker := ""

	for {
		result, err := c.store.List(ctx, &objectstore.ListOptions{
			Prefix:  storage.WorkspacesPrefix,
			Marker:  marker,
			MaxKeys: c.config.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list workspaces: %w", err)
		}

		last := ""
		for _, obj := range result.Objects {
			rest := strings.TrimPrefix(obj.Key, storage.WorkspacesPrefix)
			ws, _, ok := strings.Cut(rest, "/")
			if !ok || ws == "" {
				continue
			}
			last = ws
			if seen[ws] {
				continue
			}
			seen[ws] = true
			workspaces = append(workspaces, ws)
		}

		if !result.IsTruncated || result.NextMarker == "" {
			break
		}
		marker = result.NextMarker
		if last != "" {
			marker = workspaceSkipMarker(last)
		}
	}
	return workspaces, nil
}

// workspaceSkipMarker sorts after every key of workspaceID and before the
// keys of any later workspace. Ids never contain "/", and "0" is the
// smallest id byte greater than "/".
func workspaceSkipMarker(workspaceID string) string {
	return storage.WorkspacesPrefix + workspaceID + "0"
}

// CollectWorkspaceOrphans removes the unreferenced blobs of one workspace.
//
// Blobs are listed before the manifest is read, so any listed blob that a
// concurrent commit has published is already visible as referenced.
func (c *OrphanCollector) CollectWorkspaceOrphans(ctx context.Context, workspaceID string) (*OrphanResult, error) {
	start := c.now()
	result := &OrphanResult{WorkspaceID: workspaceID}

	candidates, scanned, err := c.listOldBlobs(ctx, storage.BlobPrefix(workspaceID))
	result.ObjectsScanned = scanned
	if err != nil {
		result.Errors = append(result.Errors, err)
		result.Duration = c.now().Sub(start)
		return result, err
	}

	manifest, err := storage.LoadManifest(ctx, c.store, workspaceID)
	if err != nil {
		// Without the manifest nothing can be proven unreferenced.
		result.Errors = append(result.Errors, err)
		result.Duration = c.now().Sub(start)
		return result, err
	}
	referenced := manifest.BlobKeys()
	for _, key := range candidates {
		if !referenced[key] {
			result.OrphanObjects = append(result.OrphanObjects, key)
		}
	}

	if !c.config.DryRun {
		for _, key := range result.OrphanObjects {
			if err := c.store.Delete(ctx, key); err != nil && !objectstore.IsNotFoundError(err) {
				result.Errors = append(result.Errors, fmt.Errorf("failed to delete %s: %w", key, err))
				continue
			}
			result.DeletedObjects = append(result.DeletedObjects, key)
		}
	}

	c.metrics.ObserveOrphanSweep(len(result.OrphanObjects), len(result.DeletedObjects))
	result.Duration = c.now().Sub(start)
	return result, nil
}

// listOldBlobs lists blobs under prefix older than the retention time.
func (c *OrphanCollector) listOldBlobs(ctx context.Context, prefix string) ([]string, int, error) {
	var keys []string
	var scanned int
	marker := ""
	now := c.now()

	for {
		result, err := c.store.List(ctx, &objectstore.ListOptions{
			Prefix:  prefix,
			Marker:  marker,
			MaxKeys: c.config.BatchSize,
		})
		if err != nil {
			return nil, scanned, fmt.Errorf("failed to list %s: %w", prefix, err)
		}

		for _, obj := range result.Objects {
			scanned++
			if now.Sub(obj.LastModified) < c.config.RetentionTime {
				continue
			}
			keys = append(keys, obj.Key)
		}

		if !result.IsTruncated || result.NextMarker == "" {
			break
		}
		marker = result.NextMarker
	}
	return keys, scanned, nil
}

func (c *OrphanCollector) loadScanMarker(ctx context.Context) (*OrphanScanMarker, error) {
	data, _, err := objectstore.ReadAll(ctx, c.store, OrphanScanMarkerKey)
	if err != nil {
		if objectstore.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	var marker OrphanScanMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

func (c *OrphanCollector) saveScanMarker(ctx context.Context, marker *OrphanScanMarker) {
	data, err := json.Marshal(marker)
	if err != nil {
		return
	}
	_, err = c.store.Put(ctx, OrphanScanMarkerKey, bytes.NewReader(data), int64(len(data)), &objectstore.PutOptions{ContentType: "application/json"})
	if err != nil {
		c.logger.Warn("failed to save orphan scan marker", "error", err)
	}
}
