package storage

import (
	"strings"
	"testing"

	"github.com/collabd/collabd/internal/collab"
)

func TestEntryKeySplitsAtFirstSlash(t *testing.T) {
	tests := []struct {
		id       collab.Identity
		wantType string
		wantID   string
	}{
		{collab.Identity{ObjectID: "doc-1", Type: collab.TypeDocument}, "0", "doc-1"},
		{collab.Identity{ObjectID: "row.1_a", Type: collab.TypeDatabaseRow}, "4", "row.1_a"},
	}
	for _, tt := range tests {
		t.Run(tt.id.ObjectID, func(t *testing.T) {
			if err := collab.ValidateID("object_id", tt.id.ObjectID); err != nil {
				t.Fatalf("ValidateID: %v", err)
			}
			typ, id, ok := strings.Cut(entryKey(tt.id), "/")
			if !ok || typ != tt.wantType || id != tt.wantID {
				t.Errorf("entryKey = %q, want %s/%s", entryKey(tt.id), tt.wantType, tt.wantID)
			}
		})
	}

	if err := collab.ValidateID("object_id", "a/b"); err == nil {
		t.Error("object ids with a slash must be rejected")
	}
}

func TestManifestHasBatch(t *testing.T) {
	m := newManifest("ws")
	m.Objects[entryKey(ident("ws", "a"))] = ManifestEntry{BlobKey: BlobKey("ws", "b1", 0), Batch: "b1"}
	m.Objects[entryKey(ident("ws", "legacy"))] = ManifestEntry{BlobKey: BlobKey("ws", "old", 0)}

	if !m.HasBatch("b1") {
		t.Error("HasBatch(b1) = false")
	}
	if m.HasBatch("b2") {
		t.Error("HasBatch(b2) = true")
	}
	if m.HasBatch("") {
		t.Error("untagged entries must not match an empty batch id")
	}
}
