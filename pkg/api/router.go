package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/internal/config"
	"github.com/collabd/collabd/internal/envelope"
	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/internal/metrics"
)

// response is the body of every API reply: code 0 with optional data on
// success, a non-zero code and a message on failure.
type response struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// batchCreateJSON is the JSON alternative to the binary batch body.
type batchCreateJSON struct {
	WorkspaceID string          `json:"workspace_id"`
	Params      []collab.Params `json:"params"`
}

type Router struct {
	cfg          *config.Config
	mux          *http.ServeMux
	handler      http.Handler
	logger       *logging.Logger
	metrics      *metrics.Registry
	store        *collab.Store
	decompressor *collab.BatchDecompressor
}

// NewRouter wires the collab API onto store. reg and logger may be nil.
func NewRouter(cfg *config.Config, store *collab.Store, reg *metrics.Registry, logger *logging.Logger) (*Router, error) {
	if logger == nil {
		logger = logging.New()
	}
	if reg == nil {
		reg = metrics.NewBare()
	}
	dec, err := collab.NewBatchDecompressor(cfg.Collab.MaxBodyBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}

	r := &Router{
		cfg:          cfg,
		mux:          http.NewServeMux(),
		logger:       logger,
		metrics:      reg,
		store:        store,
		decompressor: dec,
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.Handle("GET /metrics", reg.Handler())
	r.mux.HandleFunc("POST /api/workspace/{workspace_id}/collab/{object_id}", r.authMiddleware(r.validateWorkspace(r.writeTimeoutMiddleware(r.handleCreate))))
	r.mux.HandleFunc("GET /api/workspace/{workspace_id}/collab/{object_id}", r.authMiddleware(r.validateWorkspace(r.readTimeoutMiddleware(r.handleGet))))
	r.mux.HandleFunc("GET /api/workspace/{workspace_id}/collab/{object_id}/exists", r.authMiddleware(r.validateWorkspace(r.readTimeoutMiddleware(r.handleExists))))
	r.mux.HandleFunc("DELETE /api/workspace/{workspace_id}/collab/{object_id}", r.authMiddleware(r.validateWorkspace(r.writeTimeoutMiddleware(r.handleDelete))))
	r.mux.HandleFunc("POST /api/workspace/{workspace_id}/collabs", r.authMiddleware(r.validateWorkspace(r.writeTimeoutMiddleware(r.handleBatchCreate))))
	r.mux.HandleFunc("POST /api/workspace/{workspace_id}/collabs/query", r.authMiddleware(r.validateWorkspace(r.readTimeoutMiddleware(r.handleBatchQuery))))

	r.handler = logging.Middleware(logger, reg.Requests)(r.mux)
	return r, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases the decompressor. The store is owned by the caller.
func (r *Router) Close() error {
	r.decompressor.Close()
	return nil
}

func (r *Router) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AuthToken == "" {
			next(w, req)
			return
		}

		auth := req.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			r.writeAPIError(w, ErrUnauthorized("missing or invalid Authorization header"))
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token != r.cfg.AuthToken {
			r.writeAPIError(w, ErrUnauthorized("invalid token"))
			return
		}

		next(w, req)
	}
}

func (r *Router) validateWorkspace(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ws := req.PathValue("workspace_id")
		if err := collab.ValidateID("workspace_id", ws); err != nil {
			r.writeAPIError(w, ErrBadRequest(err.Error()))
			return
		}
		req = req.WithContext(logging.ContextWithWorkspace(req.Context(), ws))
		next(w, req)
	}
}

// timeoutMiddleware bounds a handler with a context deadline.
func (r *Router) timeoutMiddleware(timeoutMs int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		timeout := time.Duration(timeoutMs) * time.Millisecond
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		req = req.WithContext(ctx)
		next(w, req)
	}
}

func (r *Router) readTimeoutMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return r.timeoutMiddleware(r.cfg.Timeout.GetReadTimeout(), next)
}

func (r *Router) writeTimeoutMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return r.timeoutMiddleware(r.cfg.Timeout.GetWriteTimeout(), next)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleCreate accepts a single create in either the legacy flat layout or
// the canonical {"workspace_id", "inner": {...}} layout.
func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	ws := req.PathValue("workspace_id")
	objectID := req.PathValue("object_id")

	body, apiErr := r.readBody(w, req)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}
	params, err := collab.FromWireShape(body)
	if err != nil {
		r.writeAPIError(w, ErrBadRequest(err.Error()))
		return
	}
	if params.WorkspaceID != "" && params.WorkspaceID != ws {
		r.writeAPIError(w, ErrBadRequest("workspace_id in body does not match path"))
		return
	}
	if params.ObjectID != objectID {
		r.writeAPIError(w, ErrBadRequest("object_id in body does not match path"))
		return
	}
	params.WorkspaceID = ws

	if err := r.store.Create(req.Context(), params); err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	r.writeOK(w, nil)
}

// handleGet returns the decoded envelope of one collab. The collab type
// comes from the collab_type query parameter or, as older clients send it,
// from a JSON body.
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	id, apiErr := r.identityFromRequest(w, req, true)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}

	data, err := r.store.Get(req.Context(), id)
	if err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	env, err := envelope.Decode(data)
	if err != nil {
		r.writeStoreError(w, req, fmt.Errorf("%w: stored collab %s is unreadable: %v", collab.ErrInternal, id, err))
		return
	}
	r.writeOK(w, env)
}

func (r *Router) handleExists(w http.ResponseWriter, req *http.Request) {
	id, apiErr := r.identityFromRequest(w, req, false)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}

	ok, err := r.store.Exists(req.Context(), id)
	if err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	r.writeOK(w, map[string]bool{"exists": ok})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	id, apiErr := r.identityFromRequest(w, req, false)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}

	if err := r.store.Delete(req.Context(), id); err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	r.writeOK(w, nil)
}

func (r *Router) identityFromRequest(w http.ResponseWriter, req *http.Request, allowBody bool) (collab.Identity, *APIError) {
	id := collab.Identity{
		WorkspaceID: req.PathValue("workspace_id"),
		ObjectID:    req.PathValue("object_id"),
	}

	if raw := req.URL.Query().Get("collab_type"); raw != "" {
		t, err := collab.ParseType(raw)
		if err != nil {
			return id, ErrBadRequest(err.Error())
		}
		id.Type = t
		return id, nil
	}

	if !allowBody || req.ContentLength == 0 {
		return id, ErrBadRequest("collab_type is required")
	}
	body, apiErr := r.readBody(w, req)
	if apiErr != nil {
		return id, apiErr
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return id, ErrBadRequest("collab_type is required")
	}
	q, err := collab.ParseQueryParams(body)
	if err != nil {
		return id, ErrBadRequest(err.Error())
	}
	if q.WorkspaceID != "" && q.WorkspaceID != id.WorkspaceID {
		return id, ErrBadRequest("workspace_id in body does not match path")
	}
	if q.Inner.ObjectID != "" && q.Inner.ObjectID != id.ObjectID {
		return id, ErrBadRequest("object_id in body does not match path")
	}
	id.Type = q.Inner.CollabType
	return id, nil
}

// handleBatchCreate commits a batch atomically. The body is the binary
// batch encoding unless Content-Type says JSON.
func (r *Router) handleBatchCreate(w http.ResponseWriter, req *http.Request) {
	ws := req.PathValue("workspace_id")

	body, apiErr := r.readBody(w, req)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}

	var batch collab.BatchCreateParams
	if isJSONContent(req) {
		var in batchCreateJSON
		if err := json.Unmarshal(body, &in); err != nil {
			r.writeAPIError(w, ErrInvalidJSON())
			return
		}
		batch = collab.BatchCreateParams{WorkspaceID: in.WorkspaceID, Params: in.Params}
	} else {
		decoded, err := collab.DecodeBatch(body)
		if err != nil {
			r.writeAPIError(w, ErrBadRequest(err.Error()))
			return
		}
		batch = decoded
	}
	if batch.WorkspaceID != "" && batch.WorkspaceID != ws {
		r.writeAPIError(w, ErrBadRequest("workspace_id in body does not match path"))
		return
	}
	batch.WorkspaceID = ws

	if err := r.store.BatchCreate(req.Context(), batch); err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	r.writeOK(w, nil)
}

// handleBatchQuery reads many collabs; each object id gets its own outcome.
func (r *Router) handleBatchQuery(w http.ResponseWriter, req *http.Request) {
	ws := req.PathValue("workspace_id")

	body, apiErr := r.readBody(w, req)
	if apiErr != nil {
		r.writeAPIError(w, apiErr)
		return
	}
	var params collab.BatchQueryParams
	if err := json.Unmarshal(body, &params); err != nil {
		r.writeAPIError(w, ErrBadRequest("invalid batch query: "+err.Error()))
		return
	}
	if params.WorkspaceID != "" && params.WorkspaceID != ws {
		r.writeAPIError(w, ErrBadRequest("workspace_id in body does not match path"))
		return
	}
	params.WorkspaceID = ws

	result, err := r.store.BatchGet(req.Context(), params)
	if err != nil {
		r.writeStoreError(w, req, err)
		return
	}
	r.writeOK(w, result)
}

// readBody reads the whole request body, enforcing the configured limit
// before and after decompression.
func (r *Router) readBody(w http.ResponseWriter, req *http.Request) ([]byte, *APIError) {
	limit := r.cfg.Collab.MaxBodyBytes()
	if req.ContentLength > limit {
		return nil, ErrBodyTooLarge()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrBodyTooLarge()
		}
		return nil, ErrBadRequest("failed to read request body")
	}

	switch strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return body, nil
	case "zstd":
		out, err := r.decompressor.Decompress(body)
		if err != nil {
			return nil, errorFromStore(err)
		}
		return out, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, ErrBadRequest("invalid gzip body")
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil {
			return nil, ErrBadRequest("invalid gzip body")
		}
		if int64(len(out)) > limit {
			return nil, ErrBodyTooLarge()
		}
		return out, nil
	default:
		return nil, ErrBadRequest("unsupported Content-Encoding " + req.Header.Get("Content-Encoding"))
	}
}

func isJSONContent(req *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func (r *Router) writeOK(w http.ResponseWriter, data any) {
	r.writeJSON(w, http.StatusOK, response{Code: CodeOK, Data: data})
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (r *Router) writeAPIError(w http.ResponseWriter, err *APIError) {
	r.writeJSON(w, err.StatusCode, response{Code: err.Code, Message: err.Message})
}

// writeStoreError maps err and logs it when it is a server-side failure.
func (r *Router) writeStoreError(w http.ResponseWriter, req *http.Request, err error) {
	apiErr := errorFromStore(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		r.logger.WithContext(req.Context()).Error("request failed",
			"path", req.URL.Path,
			"error", err,
		)
	}
	r.writeAPIError(w, apiErr)
}
