package dumps

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"codeintel/internal/errors"
)

// Writer populates a new dump store. It is the narrow contract the
// ingestion collaborator writes through; the query engine never holds a
// Writer.
type Writer struct {
	conn   *sql.DB
	dumpID int64
}

// CreateStore creates an empty dump store on disk, replacing any previous
// store for the same dump id.
func CreateStore(storageRoot string, dumpID int64, numResultChunks int) (*Writer, error) {
	path := StorePath(storageRoot, dumpID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "failed to create dump directory")
	}
	_ = os.Remove(path)

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Newf(errors.StorageFailure, err, "failed to create dump store %d", dumpID)
	}

	if _, err := conn.Exec(storeSchema); err != nil {
		_ = conn.Close()
		return nil, errors.Newf(errors.StorageFailure, err, "failed to initialize dump store schema")
	}

	if numResultChunks < 1 {
		numResultChunks = 1
	}
	if _, err := conn.Exec("INSERT INTO meta (id, num_result_chunks) VALUES (1, ?)", numResultChunks); err != nil {
		_ = conn.Close()
		return nil, errors.Newf(errors.StorageFailure, err, "failed to write dump meta")
	}

	return &Writer{conn: conn, dumpID: dumpID}, nil
}

// WriteDocument stores one document blob under its dump-root-relative path.
func (w *Writer) WriteDocument(ctx context.Context, path string, document *DocumentData) error {
	blob, err := encodeBlob(document)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", path, err)
	}
	_, err = w.conn.ExecContext(ctx, "INSERT OR REPLACE INTO documents (path, data) VALUES (?, ?)", path, blob)
	return err
}

// WriteResultChunk stores one result chunk under its index.
func (w *Writer) WriteResultChunk(ctx context.Context, index int, chunk *ResultChunk) error {
	blob, err := encodeBlob(chunk)
	if err != nil {
		return fmt.Errorf("encode result chunk %d: %w", index, err)
	}
	_, err = w.conn.ExecContext(ctx, "INSERT OR REPLACE INTO result_chunks (id, data) VALUES (?, ?)", index, blob)
	return err
}

// WriteMonikerResult appends one moniker→location binding to the
// definitions or references table.
func (w *Writer) WriteMonikerResult(ctx context.Context, table MonikerTable, scheme, identifier string, loc Location) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (scheme, identifier, document_path, start_line, start_character, end_line, end_character)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, table)
	_, err := w.conn.ExecContext(ctx, query,
		scheme, identifier, loc.Path,
		loc.Range.StartLine, loc.Range.StartCharacter, loc.Range.EndLine, loc.Range.EndCharacter)
	return err
}

// Close finalizes the store.
func (w *Writer) Close() error {
	return w.conn.Close()
}
