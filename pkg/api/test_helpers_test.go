package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/collabd/collabd/internal/collab"
	"github.com/collabd/collabd/internal/config"
	"github.com/collabd/collabd/internal/envelope"
	"github.com/collabd/collabd/internal/logging"
	"github.com/collabd/collabd/internal/metrics"
	"github.com/collabd/collabd/internal/storage"
	"github.com/collabd/collabd/pkg/objectstore"
)

const testAuthToken = "test-token"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AuthToken = testAuthToken
	cfg.ObjectStore.Type = "memory"
	return cfg
}

func addAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
}

type testServer struct {
	router  *Router
	objects *objectstore.MemoryStore
	reg     *metrics.Registry
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	objects := objectstore.NewMemoryStore()
	backend := storage.NewObjectBackend(objects, cfg.Collab.GetReadConcurrency(), logging.Discard())
	return newTestServerWithBackend(t, cfg, backend, objects)
}

func newTestServerWithBackend(t *testing.T, cfg *config.Config, backend collab.Backend, objects *objectstore.MemoryStore) *testServer {
	t.Helper()
	reg := metrics.NewBare()
	store := collab.NewStore(backend, collab.Config{MaxBatchItems: cfg.Collab.GetMaxBatchItems()}, logging.Discard(), reg.Collab)
	router, err := NewRouter(cfg, store, reg, logging.Discard())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() {
		router.Close()
		store.Close()
	})
	return &testServer{router: router, objects: objects, reg: reg}
}

// do sends an authenticated request and returns the recorder.
func (s *testServer) do(t *testing.T, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	addAuth(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type apiResponse struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int, code ErrorCode) apiResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Code != code {
		t.Fatalf("expected code %d, got %d (%s)", code, resp.Code, resp.Message)
	}
	return resp
}

func encodedCollab(state, update string) []byte {
	return envelope.Encode(envelope.New([]byte(state), []byte(update)))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// byteArray renders data the way older clients send payloads.
func byteArray(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}
