package conversion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"codeintel/internal/dumps"
	"codeintel/internal/jobs"
	"codeintel/internal/logging"
	"codeintel/internal/xrepo"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
	})
}

func writeUpload(t *testing.T, dir string, raw *RawDump) string {
	t.Helper()

	path := filepath.Join(dir, "upload.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create upload: %v", err)
	}
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(raw); err != nil {
		t.Fatalf("failed to encode upload: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close upload: %v", err)
	}
	return path
}

func testRawDump() *RawDump {
	return &RawDump{
		NumResultChunks: 1,
		Documents: map[string]*dumps.DocumentData{
			"main.go": {
				Ranges: map[dumps.ID]dumps.RangeData{
					1: {StartLine: 1, StartCharacter: 0, EndLine: 1, EndCharacter: 3, DefinitionResultID: 100},
				},
				HoverResults:       map[dumps.ID]string{},
				Monikers:           map[dumps.ID]dumps.MonikerData{},
				PackageInformation: map[dumps.ID]dumps.PackageInformationData{},
			},
		},
		ResultChunks: []dumps.ResultChunk{
			{
				DocumentPaths: map[dumps.ID]string{10: "main.go"},
				DocumentIDRangeIDs: map[dumps.ID][]dumps.DocumentIDRangeID{
					100: {{DocumentID: 10, RangeID: 1}},
				},
			},
		},
		Definitions: []MonikerRow{
			{Scheme: "test", Identifier: "pkg:Main", Path: "main.go", Range: dumps.Range{StartLine: 1, EndLine: 1, EndCharacter: 3}},
		},
		Packages: []PackageDecl{
			{Scheme: "test", Name: "pkg", Version: "1.0.0"},
		},
		PackageReferences: []PackageRefDecl{
			{Scheme: "test", Name: "dep", Version: "2.0.0", Identifiers: []string{"dep:Helper"}},
		},
	}
}

func TestConvert(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := xrepo.Open(root, nil, testLogger())
	if err != nil {
		t.Fatalf("failed to open xrepo store: %v", err)
	}
	defer func() { _ = store.Close() }()

	uploadPath := writeUpload(t, root, testRawDump())
	converter := NewConverter(testLogger(), store, root)

	err = converter.Convert(ctx, jobs.ConvertArgs{
		Repository: "github.com/test/repo",
		Commit:     "deadbeef",
		Root:       "",
		UploadPath: uploadPath,
	})
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}

	t.Run("upload file removed", func(t *testing.T) {
		if _, err := os.Stat(uploadPath); !os.IsNotExist(err) {
			t.Error("upload file still present after conversion")
		}
	})

	t.Run("dump resolvable", func(t *testing.T) {
		dump, err := store.FindClosestDump(ctx, "github.com/test/repo", "deadbeef", "main.go")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dump == nil {
			t.Fatal("expected the converted dump to resolve")
		}

		caches := dumps.NewCaches(4, 4, 4)
		defer caches.Close()

		db := dumps.NewDatabase(testLogger(), caches, root, *dump)
		locations, err := db.Definitions(ctx, "main.go", dumps.Position{Line: 1, Character: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 1 {
			t.Fatalf("expected 1 definition, got %d", len(locations))
		}
	})

	t.Run("package links registered", func(t *testing.T) {
		exported, err := store.GetPackage(ctx, "test", "pkg", "1.0.0")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exported == nil {
			t.Fatal("expected exported package to resolve")
		}

		refs, count, err := store.GetReferences(ctx, xrepo.ReferencePage{
			Scheme: "test", Name: "dep", Version: "2.0.0", Limit: 10,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 1 || len(refs) != 1 {
			t.Fatalf("expected 1 package reference, got count=%d len=%d", count, len(refs))
		}
	})
}

func TestConvertNormalizesRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := xrepo.Open(root, nil, testLogger())
	if err != nil {
		t.Fatalf("failed to open xrepo store: %v", err)
	}
	defer func() { _ = store.Close() }()

	uploadPath := writeUpload(t, root, testRawDump())
	converter := NewConverter(testLogger(), store, root)

	// A root without a trailing slash must be stored with one so path
	// translation never glues the root onto the file name.
	err = converter.Convert(ctx, jobs.ConvertArgs{
		Repository: "github.com/test/repo",
		Commit:     "deadbeef",
		Root:       "backend",
		UploadPath: uploadPath,
	})
	if err != nil {
		t.Fatalf("conversion failed: %v", err)
	}

	dump, err := store.FindClosestDump(ctx, "github.com/test/repo", "deadbeef", "backend/main.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dump == nil {
		t.Fatal("expected the converted dump to resolve")
	}
	if dump.Root != "backend/" {
		t.Errorf("expected normalized root %q, got %q", "backend/", dump.Root)
	}
}

func TestConvertRejectsBadUpload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := xrepo.Open(root, nil, testLogger())
	if err != nil {
		t.Fatalf("failed to open xrepo store: %v", err)
	}
	defer func() { _ = store.Close() }()

	path := filepath.Join(root, "bad.gz")
	if err := os.WriteFile(path, []byte("definitely not gzip"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	converter := NewConverter(testLogger(), store, root)
	err = converter.Convert(ctx, jobs.ConvertArgs{
		Repository: "github.com/test/repo",
		Commit:     "deadbeef",
		UploadPath: path,
	})
	if err == nil {
		t.Fatal("expected an error for a non-gzip upload")
	}
}
