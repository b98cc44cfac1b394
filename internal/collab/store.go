package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/collabd/collabd/internal/envelope"
	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/internal/metrics"
)

const (
	// DefaultLockStripes is the number of per-identity lock stripes.
	DefaultLockStripes = 256

	// DefaultCommitTimeout bounds a backend commit once it has started.
	DefaultCommitTimeout = 30 * time.Second
)

// Write is one collab to persist as part of an atomic commit.
type Write struct {
	Identity
	Data     []byte
	Override bool
}

// Backend is the durable storage engine behind a Store.
//
// Commit applies all writes or none. If any write targets an existing
// identity without Override it returns a *ConflictError and writes nothing.
// Fetch reads every identity from one consistent snapshot; per-item
// failures are reported in ItemResult.Err, ErrNotFound for a missing one.
type Backend interface {
	Commit(ctx context.Context, workspaceID string, writes []Write) error
	Get(ctx context.Context, id Identity) ([]byte, error)
	Fetch(ctx context.Context, workspaceID string, ids []Identity) ([]ItemResult, error)
	Exists(ctx context.Context, id Identity) (bool, error)
	Delete(ctx context.Context, id Identity) error
	Close() error
}

// Config tunes a Store.
type Config struct {
	MaxBatchItems int
	LockStripes   int
	CommitTimeout time.Duration
}

// Store validates and serializes collab operations in front of a Backend.
type Store struct {
	backend Backend
	cfg     Config
	stripes []chan struct{}
	logger  *logging.Logger
	metrics *metrics.CollabMetrics
}

// NewStore creates a Store. logger and m may be nil.
func NewStore(backend Backend, cfg Config, logger *logging.Logger, m *metrics.CollabMetrics) *Store {
	if cfg.MaxBatchItems <= 0 {
		cfg.MaxBatchItems = DefaultMaxBatchItems
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = DefaultLockStripes
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	stripes := make([]chan struct{}, cfg.LockStripes)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		stripes: stripes,
		logger:  logger,
		metrics: m,
	}
}

// Create stores a single collab.
func (s *Store) Create(ctx context.Context, req CreateParams) error {
	return s.BatchCreate(ctx, BatchCreateParams{
		WorkspaceID: req.WorkspaceID,
		Params:      []Params{req.Params},
	})
}

// BatchCreate stores every item of req or none of them.
//
// Items are validated and their envelopes decode-checked before anything is
// written. Repeated identities collapse to the last item in list order. Once
// the locks are held the commit is detached from ctx cancellation and bounded
// by the configured commit timeout, so an abandoned request still ends fully
// committed or fully rolled back.
func (s *Store) BatchCreate(ctx context.Context, req BatchCreateParams) error {
	if err := ValidateBatchCreate(req, s.cfg.MaxBatchItems); err != nil {
		s.metrics.ObserveBatchCreate(len(req.Params), "invalid")
		return err
	}
	for _, p := range req.Params {
		if err := envelope.Validate(p.EncodedCollab); err != nil {
			s.metrics.ObserveBatchCreate(len(req.Params), "invalid")
			return fmt.Errorf("%w: object %s: %w", ErrInvalidRequest, p.ObjectID, err)
		}
	}

	writes := collapseWrites(req)

	release, err := s.lock(ctx, writes)
	if err != nil {
		s.metrics.ObserveBatchCreate(len(req.Params), "error")
		return fmt.Errorf("acquire collab locks: %w", err)
	}
	defer release()

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()

	start := time.Now()
	err = s.backend.Commit(commitCtx, req.WorkspaceID, writes)
	s.metrics.ObserveCommit(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.metrics.ObserveBatchCreate(len(req.Params), "committed")
		return nil
	case errors.Is(err, ErrConflict):
		s.metrics.ObserveBatchCreate(len(req.Params), "conflict")
		return err
	default:
		s.metrics.ObserveBatchCreate(len(req.Params), "error")
		s.logger.WithContext(ctx).Error("batch commit failed",
			"workspace_id", req.WorkspaceID,
			"items", len(writes),
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}

// collapseWrites turns the request into one write per identity, the last
// item winning. Payloads are copied so the caller may reuse its buffers.
func collapseWrites(req BatchCreateParams) []Write {
	index := make(map[Identity]int, len(req.Params))
	writes := make([]Write, 0, len(req.Params))
	for _, p := range req.Params {
		w := Write{
			Identity: Identity{WorkspaceID: req.WorkspaceID, ObjectID: p.ObjectID, Type: p.CollabType},
			Data:     append([]byte(nil), p.EncodedCollab...),
			Override: p.OverrideIfExist,
		}
		if i, ok := index[w.Identity]; ok {
			writes[i] = w
			continue
		}
		index[w.Identity] = len(writes)
		writes = append(writes, w)
	}
	return writes
}

// lock takes the stripe of every write in ascending stripe order.
func (s *Store) lock(ctx context.Context, writes []Write) (func(), error) {
	seen := make(map[int]struct{}, len(writes))
	order := make([]int, 0, len(writes))
	for _, w := range writes {
		i := s.stripeFor(w.Identity)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		order = append(order, i)
	}
	sort.Ints(order)

	held := make([]int, 0, len(order))
	release := func() {
		for j := len(held) - 1; j >= 0; j-- {
			<-s.stripes[held[j]]
		}
	}
	for _, i := range order {
		select {
		case s.stripes[i] <- struct{}{}:
			held = append(held, i)
			continue
		default:
		}
		select {
		case s.stripes[i] <- struct{}{}:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (s *Store) stripeFor(id Identity) int {
	return int(xxhash.Sum64String(id.String()) % uint64(len(s.stripes)))
}

// BatchGet resolves each distinct object id of req independently. Only a
// structurally invalid request fails as a whole; an empty query list yields
// an empty result.
func (s *Store) BatchGet(ctx context.Context, req BatchQueryParams) (BatchQueryResult, error) {
	if err := ValidateBatchQuery(req, s.cfg.MaxBatchItems); err != nil {
		return nil, err
	}
	if len(req.Queries) == 0 {
		return BatchQueryResult{}, nil
	}

	ids := distinctIdentities(req)
	results, err := s.backend.Fetch(ctx, req.WorkspaceID, ids)
	if err != nil {
		s.logger.WithContext(ctx).Error("batch fetch failed",
			"workspace_id", req.WorkspaceID,
			"items", len(ids),
			"error", err,
		)
		results = make([]ItemResult, len(ids))
		for i, id := range ids {
			results[i] = ItemResult{ObjectID: id.ObjectID, CollabType: id.Type, Err: err}
		}
	}

	for i := range results {
		r := &results[i]
		if r.Err != nil {
			if !errors.Is(r.Err, ErrNotFound) {
				s.logger.WithContext(ctx).Warn("collab read failed",
					"workspace_id", req.WorkspaceID,
					"object_id", r.ObjectID,
					"error", r.Err,
				)
			}
			continue
		}
		if err := envelope.Validate(r.Data); err != nil {
			r.Err = err
			r.Data = nil
		}
	}

	out := Aggregate(req.Queries, results)

	failed := 0
	for _, o := range out {
		if !o.OK() {
			failed++
		}
	}
	s.metrics.ObserveBatchRead(len(out), failed)
	return out, nil
}

func distinctIdentities(req BatchQueryParams) []Identity {
	seen := make(map[Identity]struct{}, len(req.Queries))
	ids := make([]Identity, 0, len(req.Queries))
	for _, q := range req.Queries {
		id := Identity{WorkspaceID: req.WorkspaceID, ObjectID: q.ObjectID, Type: q.CollabType}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Get returns the stored bytes of one collab.
func (s *Store) Get(ctx context.Context, id Identity) ([]byte, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, s.backendError(ctx, "get", id, err)
	}
	return data, nil
}

// Exists reports whether a collab is stored.
func (s *Store) Exists(ctx context.Context, id Identity) (bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return false, err
	}
	ok, err := s.backend.Exists(ctx, id)
	if err != nil {
		return false, s.backendError(ctx, "exists", id, err)
	}
	return ok, nil
}

// Delete removes one collab. Deleting a missing collab returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id Identity) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}
	release, err := s.lock(ctx, []Write{{Identity: id}})
	if err != nil {
		return fmt.Errorf("acquire collab locks: %w", err)
	}
	defer release()

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()
	if err := s.backend.Delete(commitCtx, id); err != nil {
		return s.backendError(ctx, "delete", id, err)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) backendError(ctx context.Context, op string, id Identity, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	s.logger.WithContext(ctx).Error("collab "+op+" failed",
		"workspace_id", id.WorkspaceID,
		"object_id", id.ObjectID,
		"collab_type", id.Type.String(),
		"error", err,
	)
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
