// Package backend orchestrates code-intelligence queries: it resolves the
// dump covering a request, answers what it can from that dump, and walks
// the cross-repository index when a symbol crosses package boundaries.
package backend

import (
	"context"
	"strings"

	"codeintel/internal/dumps"
	"codeintel/internal/errors"
	"codeintel/internal/logging"
	"codeintel/internal/xrepo"
)

// ResolvedLocation is a location translated back into the caller's frame:
// the path is repository-relative, not dump-root-relative.
type ResolvedLocation struct {
	Dump  dumps.Dump  `json:"dump"`
	Path  string      `json:"path"`
	Range dumps.Range `json:"range"`
}

// Backend answers definition, reference, hover, and existence queries. It
// owns no per-request state; dump databases are constructed per query on
// top of the shared caches.
type Backend struct {
	logger       *logging.Logger
	store        *xrepo.Store
	caches       *dumps.Caches
	storageRoot  string
	priorities   *SchemePriorities
	pageLimit    int
	cursorSecret []byte
}

// New wires a backend over the cross-repository store and the shared
// caches. pageLimit bounds how many referencing dumps each reference page
// scans when the caller does not pass a limit.
func New(logger *logging.Logger, store *xrepo.Store, caches *dumps.Caches, storageRoot string, priorities *SchemePriorities, pageLimit int, cursorSecret []byte) *Backend {
	return &Backend{
		logger:       logger,
		store:        store,
		caches:       caches,
		storageRoot:  storageRoot,
		priorities:   priorities,
		pageLimit:    pageLimit,
		cursorSecret: cursorSecret,
	}
}

// Exists reports whether code intelligence is available for the file. A
// missing dump or uncovered file is false, never an error.
func (b *Backend) Exists(ctx context.Context, repository, commit, path string) (bool, error) {
	db, dumpPath, err := b.resolve(ctx, repository, commit, path)
	if errors.IsDumpNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return db.Exists(ctx, dumpPath)
}

// Definitions resolves the definition of the symbol at the position.
// Local results win; otherwise monikers attached to the enclosing ranges
// are tried in priority order, hopping to the exporting dump for import
// monikers and falling back to the local moniker table for the rest.
func (b *Backend) Definitions(ctx context.Context, repository, commit, path string, pos dumps.Position) ([]ResolvedLocation, error) {
	db, dumpPath, err := b.resolve(ctx, repository, commit, path)
	if err != nil {
		return nil, err
	}

	locations, err := db.Definitions(ctx, dumpPath, pos)
	if err != nil {
		return nil, err
	}
	if len(locations) > 0 {
		return translate(db.Dump(), locations), nil
	}

	document, ranges, err := db.RangesByPosition(ctx, dumpPath, pos)
	if err != nil || document == nil {
		return nil, err
	}

	for _, r := range ranges {
		monikers, err := b.orderedMonikers(document, r.MonikerIDs)
		if err != nil {
			return nil, err
		}

		for _, moniker := range monikers {
			if moniker.Kind == dumps.MonikerImport {
				resolved, err := b.remoteDefinitions(ctx, document, moniker)
				if err != nil {
					return nil, err
				}
				if len(resolved) > 0 {
					return resolved, nil
				}
				continue
			}

			locations, _, err := db.MonikerResults(ctx, dumps.DefinitionsTable, moniker.Scheme, moniker.Identifier, 0, 0)
			if err != nil {
				return nil, err
			}
			if len(locations) > 0 {
				return translate(db.Dump(), locations), nil
			}
		}
	}

	return nil, nil
}

// remoteDefinitions hops to the dump that exports the moniker's package
// and reads its definitions table. An unresolvable package link yields an
// empty result rather than an error; the index simply has nothing better.
func (b *Backend) remoteDefinitions(ctx context.Context, document *dumps.DocumentData, moniker dumps.MonikerData) ([]ResolvedLocation, error) {
	if moniker.PackageInformationID == 0 {
		return nil, nil
	}
	pkg, ok := document.PackageInformation[moniker.PackageInformationID]
	if !ok {
		return nil, nil
	}

	dump, err := b.store.GetPackage(ctx, moniker.Scheme, pkg.Name, pkg.Version)
	if err != nil {
		return nil, err
	}
	if dump == nil {
		return nil, nil
	}

	remote := dumps.NewDatabase(b.logger, b.caches, b.storageRoot, *dump)
	locations, _, err := remote.MonikerResults(ctx, dumps.DefinitionsTable, moniker.Scheme, moniker.Identifier, 0, 0)
	if err != nil {
		return nil, err
	}
	return translate(*dump, locations), nil
}

// References resolves all references to the symbol at the position. The
// first page carries everything local plus the first window of dependent
// dumps; the returned cursor, when non-empty, resumes the dependent scan.
func (b *Backend) References(ctx context.Context, repository, commit, path string, pos dumps.Position, limit int, cursorToken string) ([]ResolvedLocation, string, error) {
	if limit <= 0 {
		limit = b.pageLimit
	}

	if cursorToken != "" {
		cursor, err := DecodeCursor(cursorToken, b.cursorSecret)
		if err != nil {
			return nil, "", err
		}
		collector := newLocationCollector()
		token, _, err := b.scanDependents(ctx, cursor, limit, collector)
		if err != nil {
			return nil, "", err
		}
		return collector.locations, token, nil
	}

	db, dumpPath, err := b.resolve(ctx, repository, commit, path)
	if err != nil {
		return nil, "", err
	}

	collector := newLocationCollector()

	locations, err := db.References(ctx, dumpPath, pos)
	if err != nil {
		return nil, "", err
	}
	collector.add(translate(db.Dump(), locations))

	document, ranges, err := db.RangesByPosition(ctx, dumpPath, pos)
	if err != nil {
		return nil, "", err
	}
	if document == nil {
		return collector.locations, "", nil
	}

	// Walk the enclosing ranges innermost-first. Every moniker contributes
	// its rows from this dump's references table; the walk stops at the
	// first import moniker whose cross-repository scan turns up remote
	// locations or a continuation, so an import bound to a package nobody
	// depends on cannot mask a later moniker's dependents.
	for _, r := range ranges {
		monikers, err := b.orderedMonikers(document, r.MonikerIDs)
		if err != nil {
			return nil, "", err
		}

		for _, moniker := range monikers {
			locations, _, err := db.MonikerResults(ctx, dumps.ReferencesTable, moniker.Scheme, moniker.Identifier, 0, 0)
			if err != nil {
				return nil, "", err
			}
			collector.add(translate(db.Dump(), locations))

			if moniker.Kind != dumps.MonikerImport || moniker.PackageInformationID == 0 {
				continue
			}
			pkg, ok := document.PackageInformation[moniker.PackageInformationID]
			if !ok {
				continue
			}

			token, productive, err := b.remoteReferences(ctx, db.Dump().ID, moniker, pkg, limit, collector)
			if err != nil {
				return nil, "", err
			}
			if productive {
				return collector.locations, token, nil
			}
		}
	}

	return collector.locations, "", nil
}

// remoteReferences collects the cross-repository references of one import
// moniker: the exporting dump's rows plus the first window of dependent
// dumps. It reports whether the remote side was productive, meaning any
// remote location was found or a continuation remains.
func (b *Backend) remoteReferences(ctx context.Context, originID int64, moniker dumps.MonikerData, pkg dumps.PackageInformationData, limit int, collector *locationCollector) (string, bool, error) {
	cursor := Cursor{
		DumpID:     originID,
		Scheme:     moniker.Scheme,
		Identifier: moniker.Identifier,
		Name:       pkg.Name,
		Version:    pkg.Version,
		Offset:     0,
	}

	// The exporting dump's own references belong to page one. Its id
	// rides in the cursor so later windows never rescan it, even when it
	// registered a reference row on its own package.
	found := 0
	exporting, err := b.store.GetPackage(ctx, moniker.Scheme, pkg.Name, pkg.Version)
	if err != nil {
		return "", false, err
	}
	if exporting != nil && exporting.ID != originID {
		remote := dumps.NewDatabase(b.logger, b.caches, b.storageRoot, *exporting)
		locations, _, err := remote.MonikerResults(ctx, dumps.ReferencesTable, moniker.Scheme, moniker.Identifier, 0, 0)
		if err != nil {
			return "", false, err
		}
		collector.add(translate(*exporting, locations))
		found += len(locations)
		cursor.ExportingDumpID = exporting.ID
	}

	token, scanned, err := b.scanDependents(ctx, cursor, limit, collector)
	if err != nil {
		return "", false, err
	}
	found += scanned

	return token, found > 0 || token != "", nil
}

// scanDependents reads one window of dumps that depend on the package and
// collects their references to the moniker. It returns the continuation
// token (empty once the window reached the end of the dependent set) and
// the number of remote locations found in this window.
func (b *Backend) scanDependents(ctx context.Context, cursor Cursor, limit int, collector *locationCollector) (string, int, error) {
	page := xrepo.ReferencePage{
		Scheme:     cursor.Scheme,
		Identifier: cursor.Identifier,
		Name:       cursor.Name,
		Version:    cursor.Version,
		Limit:      limit,
		Offset:     cursor.Offset,
	}

	dependents, count, err := b.store.GetReferences(ctx, page)
	if err != nil {
		return "", 0, err
	}

	found := 0
	for _, dump := range dependents {
		if dump.ID == cursor.DumpID || dump.ID == cursor.ExportingDumpID {
			continue
		}
		remote := dumps.NewDatabase(b.logger, b.caches, b.storageRoot, dump)
		locations, _, err := remote.MonikerResults(ctx, dumps.ReferencesTable, cursor.Scheme, cursor.Identifier, 0, 0)
		if err != nil {
			return "", 0, err
		}
		collector.add(translate(dump, locations))
		found += len(locations)
	}

	next := cursor.Offset + limit
	if next >= count {
		return "", found, nil
	}

	cursor.Offset = next
	token, err := EncodeCursor(cursor, b.cursorSecret)
	return token, found, err
}

// Hover returns hover content for the symbol at the position. Hover never
// crosses dumps; content lives in the index that produced the range.
func (b *Backend) Hover(ctx context.Context, repository, commit, path string, pos dumps.Position) (string, bool, error) {
	db, dumpPath, err := b.resolve(ctx, repository, commit, path)
	if err != nil {
		return "", false, err
	}
	return db.Hover(ctx, dumpPath, pos)
}

// resolve finds the closest dump covering the file and returns a query
// surface over it along with the path rewritten into the dump's frame.
func (b *Backend) resolve(ctx context.Context, repository, commit, path string) (*dumps.Database, string, error) {
	dump, err := b.store.FindClosestDump(ctx, repository, commit, path)
	if err != nil {
		return nil, "", err
	}
	if dump == nil {
		return nil, "", errors.Newf(errors.DumpNotFound, nil, "no dump for %s@%s covering %s", repository, commit, path)
	}

	b.logger.Debug("resolved dump", map[string]interface{}{
		"repository": repository,
		"commit":     commit,
		"dump_id":    dump.ID,
		"root":       dump.Root,
	})

	db := dumps.NewDatabase(b.logger, b.caches, b.storageRoot, *dump)
	return db, strings.TrimPrefix(path, dump.Root), nil
}

// orderedMonikers resolves a range's moniker ids against the document and
// sorts them into scan order. An unrecognized kind is corrupt index data.
func (b *Backend) orderedMonikers(document *dumps.DocumentData, ids []dumps.ID) ([]dumps.MonikerData, error) {
	monikers := make([]dumps.MonikerData, 0, len(ids))
	for _, id := range ids {
		moniker, ok := document.Monikers[id]
		if !ok {
			continue
		}
		if _, ok := dumps.ParseMonikerKind(string(moniker.Kind)); !ok {
			return nil, errors.Newf(errors.InternalError, nil, "unrecognized moniker kind %q", moniker.Kind)
		}
		monikers = append(monikers, moniker)
	}
	b.priorities.Sort(monikers)
	return monikers, nil
}

// translate rewrites dump-root-relative locations into the repository
// frame of the dump that owns them.
func translate(dump dumps.Dump, locations []dumps.Location) []ResolvedLocation {
	resolved := make([]ResolvedLocation, 0, len(locations))
	for _, loc := range locations {
		resolved = append(resolved, ResolvedLocation{
			Dump:  dump,
			Path:  dump.Root + loc.Path,
			Range: loc.Range,
		})
	}
	return resolved
}

type locationKey struct {
	dumpID int64
	path   string
	r      dumps.Range
}

// locationCollector accumulates locations, dropping value-equal repeats
// so a symbol referenced through several result paths appears once.
type locationCollector struct {
	locations []ResolvedLocation
	seen      map[locationKey]struct{}
}

func newLocationCollector() *locationCollector {
	return &locationCollector{seen: make(map[locationKey]struct{})}
}

func (c *locationCollector) add(locations []ResolvedLocation) {
	for _, loc := range locations {
		key := locationKey{dumpID: loc.Dump.ID, path: loc.Path, r: loc.Range}
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.seen[key] = struct{}{}
		c.locations = append(c.locations, loc)
	}
}
