package dumps

import (
	"context"
	"sort"

	"codeintel/internal/errors"
	"codeintel/internal/logging"
)

// Database is the query surface over one dump's persisted index. It is
// cheap to construct per request; all expensive resources (open store
// handles, parsed documents, result chunks) come from the shared caches.
// All lookups are read-only.
type Database struct {
	logger      *logging.Logger
	caches      *Caches
	storageRoot string
	dump        Dump
}

// NewDatabase creates a query surface for the given dump backed by the
// shared caches.
func NewDatabase(logger *logging.Logger, caches *Caches, storageRoot string, dump Dump) *Database {
	return &Database{
		logger:      logger,
		caches:      caches,
		storageRoot: storageRoot,
		dump:        dump,
	}
}

// Dump returns the dump this database reads.
func (db *Database) Dump() Dump {
	return db.dump
}

// Exists reports whether the dump contains a document at path. A missing
// document is false, never an error; only storage failures propagate.
func (db *Database) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := db.withStore(ctx, func(store *Store) error {
		var err error
		exists, err = store.HasDocument(ctx, path)
		return err
	})
	return exists, err
}

// Definitions resolves the definition result attached to the innermost
// range enclosing pos. Empty when the position maps to no range or the
// range carries no definition result.
func (db *Database) Definitions(ctx context.Context, path string, pos Position) ([]Location, error) {
	_, ranges, err := db.RangesByPosition(ctx, path, pos)
	if err != nil {
		return nil, err
	}

	for _, r := range ranges {
		if r.DefinitionResultID == 0 {
			continue
		}
		locations, err := db.resolveResult(ctx, r.DefinitionResultID)
		if err != nil {
			return nil, err
		}
		if len(locations) > 0 {
			return locations, nil
		}
	}
	return nil, nil
}

// References resolves the reference result attached to the innermost
// range enclosing pos.
func (db *Database) References(ctx context.Context, path string, pos Position) ([]Location, error) {
	_, ranges, err := db.RangesByPosition(ctx, path, pos)
	if err != nil {
		return nil, err
	}

	for _, r := range ranges {
		if r.ReferenceResultID == 0 {
			continue
		}
		locations, err := db.resolveResult(ctx, r.ReferenceResultID)
		if err != nil {
			return nil, err
		}
		if len(locations) > 0 {
			return locations, nil
		}
	}
	return nil, nil
}

// Hover returns the hover text attached to the innermost range enclosing
// pos. The second return is false when no range carries hover content.
func (db *Database) Hover(ctx context.Context, path string, pos Position) (string, bool, error) {
	document, ranges, err := db.RangesByPosition(ctx, path, pos)
	if err != nil {
		return "", false, err
	}

	for _, r := range ranges {
		if r.HoverResultID == 0 {
			continue
		}
		if text, ok := document.HoverResults[r.HoverResultID]; ok && text != "" {
			return text, true, nil
		}
	}
	return "", false, nil
}

// RangesByPosition returns the document at path and the ranges enclosing
// pos ordered innermost first. The range slice is empty when nothing
// encloses pos; a missing document yields a nil document and no error.
func (db *Database) RangesByPosition(ctx context.Context, path string, pos Position) (*DocumentData, []RangeData, error) {
	document, ok, err := db.document(ctx, path)
	if err != nil || !ok {
		return nil, nil, err
	}

	var enclosing []RangeData
	for _, r := range document.Ranges {
		if r.Span().Contains(pos) {
			enclosing = append(enclosing, r)
		}
	}

	sort.SliceStable(enclosing, func(i, j int) bool {
		a, b := enclosing[i].Span(), enclosing[j].Span()
		if a != b {
			if b.Covers(a) {
				return true
			}
			if a.Covers(b) {
				return false
			}
		}
		if a.StartLine != b.StartLine {
			return a.StartLine > b.StartLine
		}
		return a.StartCharacter > b.StartCharacter
	})

	return document, enclosing, nil
}

// MonikerResults looks up rows of the definitions or references table
// matching (scheme, identifier), returning one skip/take window plus the
// total row count. This covers symbol bindings that are not linked to a
// result set, and is the lookup remote dumps are queried with during
// cross-repository scans. A take of zero or less returns every row.
func (db *Database) MonikerResults(ctx context.Context, table MonikerTable, scheme, identifier string, skip, take int) ([]Location, int, error) {
	var (
		locations []Location
		count     int
	)
	err := db.withStore(ctx, func(store *Store) error {
		var err error
		locations, count, err = store.ReadMonikerResults(ctx, table, scheme, identifier, skip, take)
		return err
	})
	return locations, count, err
}

// document loads a parsed document through the shared document cache.
func (db *Database) document(ctx context.Context, path string) (*DocumentData, bool, error) {
	key := DocumentKey{DumpID: db.dump.ID, Path: path}

	// Existence is probed outside the cache so a missing document is not
	// confused with a failed population.
	exists, err := db.Exists(ctx, path)
	if err != nil || !exists {
		return nil, false, err
	}

	document, release, err := db.caches.Documents.GetOrCreate(ctx, key, func() (*DocumentData, error) {
		var loaded *DocumentData
		err := db.withStore(context.Background(), func(store *Store) error {
			d, ok, err := store.ReadDocument(context.Background(), path)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Newf(errors.StorageFailure, nil, "document %q vanished from dump %d", path, db.dump.ID)
			}
			loaded = d
			return nil
		})
		return loaded, err
	})
	if err != nil {
		return nil, false, err
	}
	defer release()

	return document, true, nil
}

// resultChunk loads the chunk holding the given result id.
func (db *Database) resultChunk(ctx context.Context, id ID) (*ResultChunk, error) {
	var numChunks int
	err := db.withStore(ctx, func(store *Store) error {
		var err error
		numChunks, err = store.NumResultChunks(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	index := int(id) % numChunks
	key := ResultChunkKey{DumpID: db.dump.ID, Index: index}

	chunk, release, err := db.caches.ResultChunks.GetOrCreate(ctx, key, func() (*ResultChunk, error) {
		var loaded *ResultChunk
		err := db.withStore(context.Background(), func(store *Store) error {
			c, err := store.ReadResultChunk(context.Background(), index)
			if err != nil {
				return err
			}
			loaded = c
			return nil
		})
		return loaded, err
	})
	if err != nil {
		return nil, err
	}
	defer release()

	return chunk, nil
}

// resolveResult expands a definition/reference result id into concrete
// locations, resolving each (document, range) pair through the caches.
func (db *Database) resolveResult(ctx context.Context, id ID) ([]Location, error) {
	chunk, err := db.resultChunk(ctx, id)
	if err != nil {
		return nil, err
	}

	pairs := chunk.DocumentIDRangeIDs[id]
	locations := make([]Location, 0, len(pairs))
	for _, pair := range pairs {
		path, ok := chunk.DocumentPaths[pair.DocumentID]
		if !ok {
			continue
		}
		document, found, err := db.document(ctx, path)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		r, ok := document.Ranges[pair.RangeID]
		if !ok {
			continue
		}
		locations = append(locations, Location{
			DumpID: db.dump.ID,
			Path:   path,
			Range:  r.Span(),
		})
	}

	return locations, nil
}

// withStore runs fn with this dump's store handle pinned from the
// connection cache. A storage failure evicts the handle so the next
// request reopens it rather than reusing a broken connection.
func (db *Database) withStore(ctx context.Context, fn func(*Store) error) error {
	store, release, err := db.caches.Connections.GetOrCreate(ctx, db.dump.ID, func() (*Store, error) {
		return OpenStore(db.storageRoot, db.dump.ID)
	})
	if err != nil {
		return err
	}
	defer release()

	if err := fn(store); err != nil {
		if errors.CodeOf(err) == errors.StorageFailure {
			db.caches.Connections.Remove(db.dump.ID)
		}
		return err
	}
	return nil
}
