// Package xrepo maintains the cross-repository index: which dumps exist
// for which commits, which dump exports a package, and which dumps depend
// on it.
package xrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"codeintel/internal/dumps"
	"codeintel/internal/errors"
	"codeintel/internal/gitserver"
	"codeintel/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS dumps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repository TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    root TEXT NOT NULL DEFAULT '',
    uploaded_at TEXT NOT NULL,
    visible_at_tip INTEGER NOT NULL DEFAULT 0,
    UNIQUE (repository, commit_id, root)
);
CREATE INDEX IF NOT EXISTS idx_dumps_repository_commit ON dumps(repository, commit_id);
CREATE INDEX IF NOT EXISTS idx_dumps_visible ON dumps(repository, visible_at_tip);

CREATE TABLE IF NOT EXISTS commits (
    repository TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (repository, commit_id, parent_id)
);

CREATE TABLE IF NOT EXISTS packages (
    scheme TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    dump_id INTEGER NOT NULL,
    PRIMARY KEY (scheme, name, version),
    FOREIGN KEY (dump_id) REFERENCES dumps(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS package_references (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scheme TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    dump_id INTEGER NOT NULL,
    filter TEXT NOT NULL DEFAULT '[]',
    FOREIGN KEY (dump_id) REFERENCES dumps(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_package_references_package ON package_references(scheme, name, version);
`

const currentSchemaVersion = 1

// maxTraversalDepth bounds the ancestor walk in FindClosestDump.
const maxTraversalDepth = 100

// Store is the cross-repository index database.
type Store struct {
	db      *sql.DB
	logger  *logging.Logger
	commits gitserver.Client
}

// Open opens or creates the xrepo database under storageRoot. The
// gitserver client is consulted when a requested commit is untracked.
func Open(storageRoot string, commits gitserver.Client, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	dbPath := filepath.Join(storageRoot, "xrepo.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open xrepo database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db, logger: logger, commits: commits}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize xrepo schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == nil && version == currentSchemaVersion {
		return nil
	}

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", currentSchemaVersion)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertDump registers a dump. Used by the ingestion collaborator and by
// tests; the query path never writes dumps.
func (s *Store) InsertDump(ctx context.Context, repository, commit, root string, visibleAtTip bool) (*dumps.Dump, error) {
	uploadedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dumps (repository, commit_id, root, uploaded_at, visible_at_tip)
		VALUES (?, ?, ?, ?, ?)
	`, repository, commit, root, uploadedAt.Format(time.RFC3339), boolToInt(visibleAtTip))
	if err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to insert dump", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to read dump id", err)
	}

	return &dumps.Dump{
		ID:           id,
		Repository:   repository,
		Commit:       commit,
		Root:         root,
		UploadedAt:   uploadedAt,
		VisibleAtTip: visibleAtTip,
	}, nil
}

// GetDumpByID returns a dump by id, or nil when unknown.
func (s *Store) GetDumpByID(ctx context.Context, id int64) (*dumps.Dump, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository, commit_id, root, uploaded_at, visible_at_tip
		FROM dumps WHERE id = ?
	`, id)
	return scanDump(row)
}

// TrackedCommit reports whether ancestry for (repository, commit) has
// been persisted.
func (s *Store) TrackedCommit(ctx context.Context, repository, commit string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM commits WHERE repository = ? AND commit_id = ? LIMIT 1
	`, repository, commit).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.New(errors.XrepoUnavailable, "failed to probe tracked commit", err)
	}
	return true, nil
}

// UpdateCommits persists an ancestry delta. Rootless commits are stored
// with an empty parent so they still count as tracked.
func (s *Store) UpdateCommits(ctx context.Context, repository string, parents gitserver.CommitParents) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to begin commit update", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO commits (repository, commit_id, parent_id) VALUES (?, ?, ?)
	`)
	if err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to prepare commit insert", err)
	}
	defer func() { _ = stmt.Close() }()

	for commit, parentList := range parents {
		if len(parentList) == 0 {
			if _, err := stmt.ExecContext(ctx, repository, commit, ""); err != nil {
				return errors.New(errors.XrepoUnavailable, "failed to insert commit", err)
			}
			continue
		}
		for _, parent := range parentList {
			if _, err := stmt.ExecContext(ctx, repository, commit, parent); err != nil {
				return errors.New(errors.XrepoUnavailable, "failed to insert commit", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to commit ancestry update", err)
	}
	return nil
}

// FindClosestDump resolves the nearest dump whose commit is an ancestor
// of (or equal to) the requested commit and whose root contains path.
// Untracked commits trigger an ancestry fetch from gitserver before
// resolution. Returns nil when no dump covers the repository at all.
func (s *Store) FindClosestDump(ctx context.Context, repository, commit, path string) (*dumps.Dump, error) {
	tracked, err := s.TrackedCommit(ctx, repository, commit)
	if err != nil {
		return nil, err
	}
	if !tracked {
		if s.commits == nil {
			return nil, nil
		}
		ancestry, err := s.commits.FetchAncestry(ctx, repository, commit)
		if err != nil {
			return nil, errors.New(errors.XrepoUnavailable, "failed to fetch commit ancestry", err)
		}
		if err := s.UpdateCommits(ctx, repository, ancestry); err != nil {
			return nil, err
		}
	}

	frontier := []string{commit}
	visited := map[string]struct{}{commit: {}}

	for depth := 0; depth <= maxTraversalDepth && len(frontier) > 0; depth++ {
		dump, err := s.bestDumpAtCommits(ctx, repository, frontier, path)
		if err != nil {
			return nil, err
		}
		if dump != nil {
			return dump, nil
		}

		frontier, err = s.parentsOf(ctx, repository, frontier, visited)
		if err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// bestDumpAtCommits picks the dump with the most specific root containing
// path among the given commits; ties break by lowest dump id.
func (s *Store) bestDumpAtCommits(ctx context.Context, repository string, commits []string, path string) (*dumps.Dump, error) {
	found, err := s.dumpsAtCommits(ctx, repository, commits)
	if err != nil {
		return nil, err
	}

	var best *dumps.Dump
	for i := range found {
		dump := &found[i]
		if !strings.HasPrefix(path, dump.Root) {
			continue
		}
		if best == nil || len(dump.Root) > len(best.Root) {
			best = dump
		}
	}
	return best, nil
}

// parentsOf returns the unvisited parents of the frontier commits.
func (s *Store) parentsOf(ctx context.Context, repository string, frontier []string, visited map[string]struct{}) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT parent_id FROM commits
		WHERE repository = ? AND commit_id IN (%s) AND parent_id != ''
		ORDER BY parent_id
	`, placeholders(len(frontier)))

	args := make([]interface{}, 0, len(frontier)+1)
	args = append(args, repository)
	for _, c := range frontier {
		args = append(args, c)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to query commit parents", err)
	}
	defer func() { _ = rows.Close() }()

	var next []string
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, errors.New(errors.XrepoUnavailable, "failed to scan commit parent", err)
		}
		if _, seen := visited[parent]; seen {
			continue
		}
		visited[parent] = struct{}{}
		next = append(next, parent)
	}
	return next, rows.Err()
}

// UpdateTips recomputes tip visibility for a repository: for every dump
// root, the dump nearest to the tip commit becomes visible and all others
// lose the flag.
func (s *Store) UpdateTips(ctx context.Context, repository, tipCommit string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE dumps SET visible_at_tip = 0 WHERE repository = ?
	`, repository); err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to clear tip visibility", err)
	}

	claimed := map[string]int64{}
	frontier := []string{tipCommit}
	visited := map[string]struct{}{tipCommit: {}}

	for depth := 0; depth <= maxTraversalDepth && len(frontier) > 0; depth++ {
		found, err := s.dumpsAtCommits(ctx, repository, frontier)
		if err != nil {
			return err
		}
		for _, dump := range found {
			if _, ok := claimed[dump.Root]; !ok {
				claimed[dump.Root] = dump.ID
			}
		}

		frontier, err = s.parentsOf(ctx, repository, frontier, visited)
		if err != nil {
			return err
		}
	}

	for _, id := range claimed {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE dumps SET visible_at_tip = 1 WHERE id = ?
		`, id); err != nil {
			return errors.New(errors.XrepoUnavailable, "failed to mark dump visible", err)
		}
	}
	return nil
}

// dumpsAtCommits lists all dumps at the given commits ordered by id.
func (s *Store) dumpsAtCommits(ctx context.Context, repository string, commits []string) ([]dumps.Dump, error) {
	query := fmt.Sprintf(`
		SELECT id, repository, commit_id, root, uploaded_at, visible_at_tip
		FROM dumps
		WHERE repository = ? AND commit_id IN (%s)
		ORDER BY id ASC
	`, placeholders(len(commits)))

	args := make([]interface{}, 0, len(commits)+1)
	args = append(args, repository)
	for _, c := range commits {
		args = append(args, c)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to query dumps", err)
	}
	defer func() { _ = rows.Close() }()

	var found []dumps.Dump
	for rows.Next() {
		dump, err := scanDumpRows(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, *dump)
	}
	return found, rows.Err()
}

// AddPackage records that a dump exports the package identity.
func (s *Store) AddPackage(ctx context.Context, scheme, name, version string, dumpID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO packages (scheme, name, version, dump_id) VALUES (?, ?, ?, ?)
	`, scheme, name, version, dumpID)
	if err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to add package", err)
	}
	return nil
}

// GetPackage resolves which dump exports the given package identity, or
// nil when no dump does.
func (s *Store) GetPackage(ctx context.Context, scheme, name, version string) (*dumps.Dump, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.repository, d.commit_id, d.root, d.uploaded_at, d.visible_at_tip
		FROM packages p JOIN dumps d ON d.id = p.dump_id
		WHERE p.scheme = ? AND p.name = ? AND p.version = ?
	`, scheme, name, version)
	return scanDump(row)
}

// AddReference records that a dump depends on the package identity. The
// identifiers it actually uses from the package are stored as a filter so
// reference scans can skip dumps that cannot contain a moniker. An empty
// identifier list stores an empty filter, which excludes nothing.
func (s *Store) AddReference(ctx context.Context, scheme, name, version string, dumpID int64, identifiers []string) error {
	if identifiers == nil {
		identifiers = []string{}
	}
	filter, err := json.Marshal(identifiers)
	if err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to encode identifier filter", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO package_references (scheme, name, version, dump_id, filter) VALUES (?, ?, ?, ?, ?)
	`, scheme, name, version, dumpID, string(filter))
	if err != nil {
		return errors.New(errors.XrepoUnavailable, "failed to add package reference", err)
	}
	return nil
}

// ReferencePage selects one page of dumps depending on a package. When
// Identifier is set, dumps whose stored filter rules the identifier out
// are elided from the page; offsets and the total count still run over
// the unfiltered rows so pagination stays stable.
type ReferencePage struct {
	Scheme     string
	Identifier string
	Name       string
	Version    string
	Limit      int
	Offset     int
}

// GetReferences returns the page of dumps that declared a dependency on
// the package, ordered by dump id ascending so pagination is stable, and
// the total number of referencing dumps.
func (s *Store) GetReferences(ctx context.Context, page ReferencePage) ([]dumps.Dump, int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM package_references
		WHERE scheme = ? AND name = ? AND version = ?
	`, page.Scheme, page.Name, page.Version).Scan(&count)
	if err != nil {
		return nil, 0, errors.New(errors.XrepoUnavailable, "failed to count package references", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.repository, d.commit_id, d.root, d.uploaded_at, d.visible_at_tip, r.filter
		FROM package_references r JOIN dumps d ON d.id = r.dump_id
		WHERE r.scheme = ? AND r.name = ? AND r.version = ?
		ORDER BY d.id ASC
		LIMIT ? OFFSET ?
	`, page.Scheme, page.Name, page.Version, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, errors.New(errors.XrepoUnavailable, "failed to query package references", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []dumps.Dump
	for rows.Next() {
		var dump dumps.Dump
		var uploadedAt, filter string
		var visible int
		if err := rows.Scan(&dump.ID, &dump.Repository, &dump.Commit, &dump.Root, &uploadedAt, &visible, &filter); err != nil {
			return nil, 0, errors.New(errors.XrepoUnavailable, "failed to scan package reference", err)
		}
		if !filterAllows(filter, page.Identifier) {
			continue
		}
		if t, err := time.Parse(time.RFC3339, uploadedAt); err == nil {
			dump.UploadedAt = t
		}
		dump.VisibleAtTip = visible != 0
		refs = append(refs, dump)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.New(errors.XrepoUnavailable, "failed iterating package references", err)
	}

	return refs, count, nil
}

// filterAllows reports whether the stored identifier filter admits the
// identifier. Unparseable or empty filters admit everything; only a
// well-formed non-empty filter can exclude a dump.
func filterAllows(filter, identifier string) bool {
	if identifier == "" {
		return true
	}
	var identifiers []string
	if err := json.Unmarshal([]byte(filter), &identifiers); err != nil {
		return true
	}
	if len(identifiers) == 0 {
		return true
	}
	for _, candidate := range identifiers {
		if candidate == identifier {
			return true
		}
	}
	return false
}

func scanDump(row *sql.Row) (*dumps.Dump, error) {
	var dump dumps.Dump
	var uploadedAt string
	var visible int

	err := row.Scan(&dump.ID, &dump.Repository, &dump.Commit, &dump.Root, &uploadedAt, &visible)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to scan dump", err)
	}

	if t, err := time.Parse(time.RFC3339, uploadedAt); err == nil {
		dump.UploadedAt = t
	}
	dump.VisibleAtTip = visible != 0
	return &dump, nil
}

func scanDumpRows(rows *sql.Rows) (*dumps.Dump, error) {
	var dump dumps.Dump
	var uploadedAt string
	var visible int

	if err := rows.Scan(&dump.ID, &dump.Repository, &dump.Commit, &dump.Root, &uploadedAt, &visible); err != nil {
		return nil, errors.New(errors.XrepoUnavailable, "failed to scan dump row", err)
	}

	if t, err := time.Parse(time.RFC3339, uploadedAt); err == nil {
		dump.UploadedAt = t
	}
	dump.VisibleAtTip = visible != 0
	return &dump, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
