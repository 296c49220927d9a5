package snapshot

import (
	"path/filepath"
	"testing"

	"questforge/internal/state"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	tree := state.MustNormalize(map[string]any{
		"world":  map[string]any{"time": 3},
		"player": map[string]any{"hp": 7, "inventory": []any{"sword", "shield"}},
		"scene":  map[string]any{},
		"npcs":   map[string]any{},
	})

	path := PathFor(dir, 42)
	if err := Write(path, "s-1", 42, tree); err != nil {
		t.Fatalf("write: %v", err)
	}

	hdr, got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if hdr.SessionID != "s-1" || hdr.Turn != 42 || hdr.Version != FormatVersion {
		t.Fatalf("header: %+v", hdr)
	}
	if hdr.Algorithm != state.DigestAlgorithm {
		t.Fatalf("algorithm: %s", hdr.Algorithm)
	}
	if !state.DeepEqual(tree, got) {
		t.Fatalf("state mismatch: %#v", got)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if got := Latest(dir); got != "" {
		t.Fatalf("latest in empty dir: %q", got)
	}
	tree := state.MustNormalize(map[string]any{"world": map[string]any{}})
	for _, turn := range []uint64{5, 40, 12} {
		if err := Write(PathFor(dir, turn), "s-1", turn, tree); err != nil {
			t.Fatalf("write turn %d: %v", turn, err)
		}
	}
	want := filepath.Join(dir, "snapshots", "turn-000000040.snap.zst")
	if got := Latest(dir); got != want {
		t.Fatalf("latest: got %q, want %q", got, want)
	}
}
