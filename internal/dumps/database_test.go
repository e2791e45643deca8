package dumps

import (
	"context"
	"testing"

	"codeintel/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
	})
}

// writeTestDump builds a dump with two files. main.go has a definition of
// Foo on line 1 and a use on line 3; util.go has another use on line 5.
// The use ranges sit inside a broad function range to exercise
// innermost-first resolution.
func writeTestDump(t *testing.T, storageRoot string, dumpID int64) {
	t.Helper()

	writer, err := CreateStore(storageRoot, dumpID, 1)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = writer.Close() }()

	ctx := context.Background()

	mainDoc := &DocumentData{
		Ranges: map[ID]RangeData{
			1: {StartLine: 1, StartCharacter: 5, EndLine: 1, EndCharacter: 8,
				DefinitionResultID: 100, ReferenceResultID: 200, HoverResultID: 300, MonikerIDs: []ID{400}},
			2: {StartLine: 3, StartCharacter: 4, EndLine: 3, EndCharacter: 7,
				DefinitionResultID: 100, ReferenceResultID: 200, HoverResultID: 300},
			// Enclosing function body; carries no results of its own.
			3: {StartLine: 0, StartCharacter: 0, EndLine: 10, EndCharacter: 0},
		},
		HoverResults: map[ID]string{300: "func Foo()"},
		Monikers: map[ID]MonikerData{
			400: {Kind: MonikerExport, Scheme: "test", Identifier: "pkg:Foo", PackageInformationID: 500},
		},
		PackageInformation: map[ID]PackageInformationData{
			500: {Name: "pkg", Version: "1.0.0"},
		},
	}
	if err := writer.WriteDocument(ctx, "main.go", mainDoc); err != nil {
		t.Fatalf("failed to write main.go: %v", err)
	}

	utilDoc := &DocumentData{
		Ranges: map[ID]RangeData{
			7: {StartLine: 5, StartCharacter: 2, EndLine: 5, EndCharacter: 5,
				DefinitionResultID: 100, ReferenceResultID: 200},
		},
		HoverResults:       map[ID]string{},
		Monikers:           map[ID]MonikerData{},
		PackageInformation: map[ID]PackageInformationData{},
	}
	if err := writer.WriteDocument(ctx, "util.go", utilDoc); err != nil {
		t.Fatalf("failed to write util.go: %v", err)
	}

	chunk := &ResultChunk{
		DocumentPaths: map[ID]string{10: "main.go", 11: "util.go"},
		DocumentIDRangeIDs: map[ID][]DocumentIDRangeID{
			100: {{DocumentID: 10, RangeID: 1}},
			200: {{DocumentID: 10, RangeID: 1}, {DocumentID: 10, RangeID: 2}, {DocumentID: 11, RangeID: 7}},
		},
	}
	if err := writer.WriteResultChunk(ctx, 0, chunk); err != nil {
		t.Fatalf("failed to write result chunk: %v", err)
	}

	defLoc := Location{DumpID: dumpID, Path: "main.go", Range: Range{StartLine: 1, StartCharacter: 5, EndLine: 1, EndCharacter: 8}}
	if err := writer.WriteMonikerResult(ctx, DefinitionsTable, "test", "pkg:Foo", defLoc); err != nil {
		t.Fatalf("failed to write definitions row: %v", err)
	}
	for _, loc := range []Location{
		{DumpID: dumpID, Path: "main.go", Range: Range{StartLine: 3, StartCharacter: 4, EndLine: 3, EndCharacter: 7}},
		{DumpID: dumpID, Path: "util.go", Range: Range{StartLine: 5, StartCharacter: 2, EndLine: 5, EndCharacter: 5}},
	} {
		if err := writer.WriteMonikerResult(ctx, ReferencesTable, "test", "pkg:Foo", loc); err != nil {
			t.Fatalf("failed to write references row: %v", err)
		}
	}
}

func newTestDatabase(t *testing.T) (*Database, *Caches) {
	t.Helper()

	storageRoot := t.TempDir()
	writeTestDump(t, storageRoot, 1)

	caches := NewCaches(4, 4, 4)
	dump := Dump{ID: 1, Repository: "github.com/test/repo", Commit: "deadbeef", Root: ""}
	return NewDatabase(testLogger(), caches, storageRoot, dump), caches
}

func TestExists(t *testing.T) {
	db, caches := newTestDatabase(t)
	defer caches.Close()

	exists, err := db.Exists(context.Background(), "main.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Error("expected main.go to exist")
	}

	exists, err = db.Exists(context.Background(), "missing.go")
	if err != nil {
		t.Fatalf("missing document must not error: %v", err)
	}
	if exists {
		t.Error("expected missing.go to not exist")
	}
}

func TestDefinitions(t *testing.T) {
	db, caches := newTestDatabase(t)
	defer caches.Close()

	t.Run("from use site", func(t *testing.T) {
		locations, err := db.Definitions(context.Background(), "main.go", Position{Line: 3, Character: 5})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 1 {
			t.Fatalf("expected 1 definition, got %d", len(locations))
		}
		if locations[0].Path != "main.go" || locations[0].Range.StartLine != 1 {
			t.Errorf("unexpected definition location: %+v", locations[0])
		}
	})

	t.Run("innermost range wins", func(t *testing.T) {
		// Position inside both range 2 and the broad range 3; the result
		// must come from range 2.
		locations, err := db.Definitions(context.Background(), "main.go", Position{Line: 3, Character: 4})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 1 {
			t.Fatalf("expected 1 definition, got %d", len(locations))
		}
	})

	t.Run("no enclosing range", func(t *testing.T) {
		locations, err := db.Definitions(context.Background(), "main.go", Position{Line: 50, Character: 0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 0 {
			t.Errorf("expected no definitions, got %d", len(locations))
		}
	})
}

func TestReferences(t *testing.T) {
	db, caches := newTestDatabase(t)
	defer caches.Close()

	locations, err := db.References(context.Background(), "main.go", Position{Line: 1, Character: 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(locations) != 3 {
		t.Fatalf("expected 3 references, got %d", len(locations))
	}

	paths := map[string]int{}
	for _, loc := range locations {
		paths[loc.Path]++
	}
	if paths["main.go"] != 2 || paths["util.go"] != 1 {
		t.Errorf("unexpected reference distribution: %v", paths)
	}
}

func TestHover(t *testing.T) {
	db, caches := newTestDatabase(t)
	defer caches.Close()

	text, ok, err := db.Hover(context.Background(), "main.go", Position{Line: 1, Character: 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || text != "func Foo()" {
		t.Errorf("expected hover text, got ok=%v text=%q", ok, text)
	}

	_, ok, err = db.Hover(context.Background(), "util.go", Position{Line: 0, Character: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no hover outside any range")
	}
}

func TestMonikerResults(t *testing.T) {
	db, caches := newTestDatabase(t)
	defer caches.Close()

	t.Run("definitions table", func(t *testing.T) {
		locations, count, err := db.MonikerResults(context.Background(), DefinitionsTable, "test", "pkg:Foo", 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 1 || count != 1 {
			t.Fatalf("expected 1 row with count 1, got %d rows, count %d", len(locations), count)
		}
	})

	t.Run("references table", func(t *testing.T) {
		locations, count, err := db.MonikerResults(context.Background(), ReferencesTable, "test", "pkg:Foo", 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 2 || count != 2 {
			t.Fatalf("expected 2 rows with count 2, got %d rows, count %d", len(locations), count)
		}
	})

	t.Run("windowed", func(t *testing.T) {
		first, count, err := db.MonikerResults(context.Background(), ReferencesTable, "test", "pkg:Foo", 0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(first) != 1 || count != 2 {
			t.Fatalf("expected window of 1 with count 2, got %d rows, count %d", len(first), count)
		}
		second, _, err := db.MonikerResults(context.Background(), ReferencesTable, "test", "pkg:Foo", 1, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(second) != 1 {
			t.Fatalf("expected window of 1, got %d rows", len(second))
		}
		if first[0] == second[0] {
			t.Error("expected distinct rows across windows")
		}
	})

	t.Run("unknown identifier", func(t *testing.T) {
		locations, count, err := db.MonikerResults(context.Background(), DefinitionsTable, "test", "pkg:Bar", 0, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(locations) != 0 || count != 0 {
			t.Errorf("expected no rows, got %d rows, count %d", len(locations), count)
		}
	})
}

func TestMissingStore(t *testing.T) {
	caches := NewCaches(4, 4, 4)
	defer caches.Close()

	dump := Dump{ID: 99, Repository: "github.com/test/none", Commit: "deadbeef"}
	db := NewDatabase(testLogger(), caches, t.TempDir(), dump)

	_, err := db.Exists(context.Background(), "main.go")
	if err == nil {
		t.Fatal("expected an error for a missing store")
	}
}
