package dumps

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"codeintel/internal/errors"
)

// Store is an open handle to one dump's persisted index. Handles are
// expensive to open and are shared through the connection cache; Close is
// invoked by the cache disposer on eviction.
type Store struct {
	conn   *sql.DB
	dumpID int64
	path   string
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS meta (
    id INTEGER PRIMARY KEY,
    num_result_chunks INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    path TEXT PRIMARY KEY,
    data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS result_chunks (
    id INTEGER PRIMARY KEY,
    data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS definitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scheme TEXT NOT NULL,
    identifier TEXT NOT NULL,
    document_path TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    start_character INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    end_character INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_definitions_moniker ON definitions(scheme, identifier);

CREATE TABLE IF NOT EXISTS "references" (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scheme TEXT NOT NULL,
    identifier TEXT NOT NULL,
    document_path TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    start_character INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    end_character INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_references_moniker ON "references"(scheme, identifier);
`

// StorePath returns the on-disk location of a dump's store.
func StorePath(storageRoot string, dumpID int64) string {
	return filepath.Join(storageRoot, "dbs", strconv.FormatInt(dumpID, 10)+".sqlite")
}

// OpenStore opens an existing dump store read-only for querying.
func OpenStore(storageRoot string, dumpID int64) (*Store, error) {
	path := StorePath(storageRoot, dumpID)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "dump store missing for dump %d", dumpID)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "failed to open dump store %d", dumpID)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA query_only=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, errors.Newf(errors.StorageFailure, err, "failed to set pragma on dump store %d", dumpID)
		}
	}

	return &Store{conn: conn, dumpID: dumpID, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// DumpID returns the dump this store belongs to.
func (s *Store) DumpID() int64 {
	return s.dumpID
}

// NumResultChunks reads the chunk count from the meta table.
func (s *Store) NumResultChunks(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, "SELECT num_result_chunks FROM meta LIMIT 1").Scan(&n)
	if err != nil {
		return 0, errors.Newf(errors.StorageFailure, err, "failed to read meta for dump %d", s.dumpID)
	}
	return n, nil
}

// ReadDocument loads and decodes one document blob. The second return is
// false when the dump contains no document at path.
func (s *Store) ReadDocument(ctx context.Context, path string) (*DocumentData, bool, error) {
	var blob []byte
	err := s.conn.QueryRowContext(ctx, "SELECT data FROM documents WHERE path = ?", path).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Newf(errors.StorageFailure, err, "failed to read document %q from dump %d", path, s.dumpID)
	}

	var document DocumentData
	if err := decodeBlob(blob, &document); err != nil {
		return nil, false, errors.Newf(errors.StorageFailure, err, "corrupt document %q in dump %d", path, s.dumpID)
	}
	return &document, true, nil
}

// HasDocument reports whether the dump contains a document at path.
func (s *Store) HasDocument(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE path = ?", path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Newf(errors.StorageFailure, err, "failed to probe document %q in dump %d", path, s.dumpID)
	}
	return true, nil
}

// ReadResultChunk loads and decodes one result chunk.
func (s *Store) ReadResultChunk(ctx context.Context, index int) (*ResultChunk, error) {
	var blob []byte
	err := s.conn.QueryRowContext(ctx, "SELECT data FROM result_chunks WHERE id = ?", index).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.StorageFailure, nil, "missing result chunk %d in dump %d", index, s.dumpID)
	}
	if err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "failed to read result chunk %d from dump %d", index, s.dumpID)
	}

	var chunk ResultChunk
	if err := decodeBlob(blob, &chunk); err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "corrupt result chunk %d in dump %d", index, s.dumpID)
	}
	return &chunk, nil
}

// MonikerTable selects which moniker-keyed table a lookup targets.
type MonikerTable string

const (
	// DefinitionsTable holds moniker→definition-location bindings.
	DefinitionsTable MonikerTable = "definitions"
	// ReferencesTable holds moniker→reference-location bindings.
	ReferencesTable MonikerTable = `"references"`
)

// ReadMonikerResults returns one window of the locations bound to
// (scheme, identifier) in the given table plus the total row count.
// Ordering follows row id so repeated reads are stable; take <= 0 means
// the whole table.
func (s *Store) ReadMonikerResults(ctx context.Context, table MonikerTable, scheme, identifier string, skip, take int) ([]Location, int, error) {
	var count int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE scheme = ? AND identifier = ?", table)
	if err := s.conn.QueryRowContext(ctx, countQuery, scheme, identifier).Scan(&count); err != nil {
		return nil, 0, errors.Newf(errors.StorageFailure, err, "failed moniker count in dump %d", s.dumpID)
	}

	if take <= 0 {
		take = -1 // sqlite: LIMIT -1 is unbounded
	}
	query := fmt.Sprintf(`
		SELECT document_path, start_line, start_character, end_line, end_character
		FROM %s
		WHERE scheme = ? AND identifier = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, table)

	rows, err := s.conn.QueryContext(ctx, query, scheme, identifier, take, skip)
	if err != nil {
		return nil, 0, errors.Newf(errors.StorageFailure, err, "failed moniker lookup in dump %d", s.dumpID)
	}
	defer func() { _ = rows.Close() }()

	var locations []Location
	for rows.Next() {
		loc := Location{DumpID: s.dumpID}
		if err := rows.Scan(&loc.Path, &loc.Range.StartLine, &loc.Range.StartCharacter, &loc.Range.EndLine, &loc.Range.EndCharacter); err != nil {
			return nil, 0, errors.Newf(errors.StorageFailure, err, "failed to scan moniker row in dump %d", s.dumpID)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Newf(errors.StorageFailure, err, "failed iterating moniker rows in dump %d", s.dumpID)
	}

	return locations, count, nil
}

// decodeBlob gunzips and unmarshals a stored JSON blob.
func decodeBlob(blob []byte, v interface{}) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	data, err := io.ReadAll(gz)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// encodeBlob marshals and gzips a value for storage.
func encodeBlob(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
