package backend

import (
	"os"
	"path/filepath"
	"testing"

	"codeintel/internal/dumps"
)

func TestSchemePrioritySort(t *testing.T) {
	p := NewSchemePriorities([]string{"tsc", "npm"})

	monikers := []dumps.MonikerData{
		{Scheme: "unknown", Identifier: "c"},
		{Scheme: "npm", Identifier: "b"},
		{Scheme: "tsc", Identifier: "a"},
		{Scheme: "unknown", Identifier: "a"},
	}
	p.Sort(monikers)

	want := []string{"tsc", "npm", "unknown", "unknown"}
	for i, m := range monikers {
		if m.Scheme != want[i] {
			t.Fatalf("position %d: expected scheme %s, got %s", i, want[i], m.Scheme)
		}
	}

	// Unknown schemes tie; identifiers break the tie deterministically.
	if monikers[2].Identifier != "a" || monikers[3].Identifier != "c" {
		t.Errorf("identifier tiebreak failed: %+v", monikers[2:])
	}
}

func TestSchemePrioritySortIsStableAcrossRuns(t *testing.T) {
	p := NewSchemePriorities(nil)

	build := func() []dumps.MonikerData {
		return []dumps.MonikerData{
			{Scheme: "b", Identifier: "2"},
			{Scheme: "a", Identifier: "1"},
			{Scheme: "b", Identifier: "1"},
		}
	}

	first := build()
	p.Sort(first)
	for i := 0; i < 5; i++ {
		again := build()
		p.Sort(again)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("sort order differs between runs at %d", j)
			}
		}
	}
}

func TestLoadSchemePriorities(t *testing.T) {
	t.Run("missing file falls back to defaults", func(t *testing.T) {
		p, err := LoadSchemePriorities(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.priority("tsc") >= p.priority("npm") {
			t.Error("default order not applied")
		}
	})

	t.Run("file overrides order", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemes.yaml")
		if err := os.WriteFile(path, []byte("- custom\n- tsc\n"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		p, err := LoadSchemePriorities(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.priority("custom") >= p.priority("tsc") {
			t.Error("override order not applied")
		}
	})

	t.Run("invalid yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schemes.yaml")
		if err := os.WriteFile(path, []byte("{{not yaml"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		if _, err := LoadSchemePriorities(path); err == nil {
			t.Fatal("expected a parse error")
		}
	})
}
