package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/collabd/collabd/internal/config"
	"github.com/collabd/collabd/internal/envelope"
	"github.com/collabd/collabd/internal/logging"
)

func TestNewServerWithFilesystemStore(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.ObjectStore.RootPath = root

	srv, err := newServer(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"object_id":         "doc",
		"encoded_collab_v1": envelope.Encode(envelope.New([]byte("s"), []byte("u"))),
		"collab_type":       0,
	})
	req := httptest.NewRequest("POST", "/api/workspace/ws/collab/doc", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	manifest := filepath.Join(root, "objects", "collabd", "workspaces", "ws", "manifest.json")
	if _, err := os.Stat(manifest); err != nil {
		t.Errorf("expected manifest on disk: %v", err)
	}

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	out := w.Body.String()
	for _, want := range []string{"go_goroutines", `collab_objectstore_ops_total{operation="put_if_absent",status="success"}`} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewServerRejectsBadObjectStore(t *testing.T) {
	cfg := config.Default()
	cfg.ObjectStore.Type = "gcs"
	if _, err := newServer(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("expected error for unknown object store type")
	}
}

func TestNewServerPostgresIsLazy(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Type = config.StoragePostgres
	cfg.Storage.PostgresDSN = "postgres://collabd@127.0.0.1:1/none?sslmode=disable"

	srv, err := newServer(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newServer should not dial the database: %v", err)
	}
	defer srv.Close()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestNewServerOrphanCollector(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   bool
	}{
		{"object storage with gc", func(c *config.Config) { c.ObjectStore.Type = "memory" }, true},
		{"gc disabled", func(c *config.Config) {
			c.ObjectStore.Type = "memory"
			c.GC.Enabled = false
		}, false},
		{"postgres has no blobs", func(c *config.Config) {
			c.Storage.Type = config.StoragePostgres
			c.Storage.PostgresDSN = "postgres://collabd@127.0.0.1:1/none?sslmode=disable"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			srv, err := newServer(context.Background(), cfg, logging.Discard())
			if err != nil {
				t.Fatalf("newServer: %v", err)
			}
			defer srv.Close()
			if got := srv.collector != nil; got != tt.want {
				t.Errorf("collector present = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrphanConfigRetentionFloor(t *testing.T) {
	cfg := config.Default()
	cfg.GC.RetentionMinutes = 1
	cfg.Collab.CommitTimeoutMs = 90000

	oc := orphanConfig(cfg)
	if oc.RetentionTime != 3*time.Minute {
		t.Errorf("retention = %v, want 3m", oc.RetentionTime)
	}
	if oc.ScanInterval != 6*time.Hour {
		t.Errorf("scan interval = %v, want 6h", oc.ScanInterval)
	}
}
