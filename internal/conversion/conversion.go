// Package conversion turns raw uploaded indexes into queryable dumps and
// registers them in the cross-repository index.
package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"codeintel/internal/dumps"
	"codeintel/internal/gitserver"
	"codeintel/internal/jobs"
	"codeintel/internal/logging"
	"codeintel/internal/xrepo"
)

// RawDump is the upload payload: one gzipped JSON document describing the
// full index for a (repository, commit, root) triple.
type RawDump struct {
	NumResultChunks   int                            `json:"numResultChunks"`
	Documents         map[string]*dumps.DocumentData `json:"documents"`
	ResultChunks      []dumps.ResultChunk            `json:"resultChunks"`
	Definitions       []MonikerRow                   `json:"definitions"`
	References        []MonikerRow                   `json:"references"`
	Packages          []PackageDecl                  `json:"packages"`
	PackageReferences []PackageRefDecl               `json:"packageReferences"`
}

// MonikerRow is one entry of a moniker lookup table. The location path is
// dump-root-relative like everything else inside a dump.
type MonikerRow struct {
	Scheme     string      `json:"scheme"`
	Identifier string      `json:"identifier"`
	Path       string      `json:"path"`
	Range      dumps.Range `json:"range"`
}

// PackageDecl names a package a dump exports.
type PackageDecl struct {
	Scheme  string `json:"scheme"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PackageRefDecl names a package a dump depends on, along with the
// identifiers it uses from it. The identifier list becomes the filter
// that reference scans consult; leaving it empty disables filtering for
// this dump.
type PackageRefDecl struct {
	Scheme      string   `json:"scheme"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Identifiers []string `json:"identifiers,omitempty"`
}

// Converter persists raw uploads as dump stores.
type Converter struct {
	logger      *logging.Logger
	store       *xrepo.Store
	storageRoot string
}

// NewConverter creates a converter writing dump stores under storageRoot.
func NewConverter(logger *logging.Logger, store *xrepo.Store, storageRoot string) *Converter {
	return &Converter{logger: logger, store: store, storageRoot: storageRoot}
}

// Handle is the job handler for convert jobs.
func (c *Converter) Handle(ctx context.Context, job *jobs.Job) error {
	var args jobs.ConvertArgs
	if err := json.Unmarshal([]byte(job.Args), &args); err != nil {
		return fmt.Errorf("malformed convert arguments: %w", err)
	}
	return c.Convert(ctx, args)
}

// Convert reads the uploaded payload, writes the dump store, registers
// the dump and its package links, and removes the upload file.
func (c *Converter) Convert(ctx context.Context, args jobs.ConvertArgs) error {
	raw, err := readRawDump(args.UploadPath)
	if err != nil {
		return err
	}

	// Non-empty roots are stored with a trailing slash; path translation
	// between the repository and dump frames relies on it.
	root := args.Root
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}

	dump, err := c.store.InsertDump(ctx, args.Repository, args.Commit, root, false)
	if err != nil {
		return err
	}

	// Mark the uploaded commit as tracked so queries at this exact commit
	// resolve without a gitserver round trip.
	if err := c.store.UpdateCommits(ctx, args.Repository, gitserver.CommitParents{args.Commit: nil}); err != nil {
		return err
	}

	if err := c.writeStore(ctx, dump.ID, raw); err != nil {
		return err
	}

	for _, pkg := range raw.Packages {
		if err := c.store.AddPackage(ctx, pkg.Scheme, pkg.Name, pkg.Version, dump.ID); err != nil {
			return err
		}
	}
	for _, pkg := range raw.PackageReferences {
		if err := c.store.AddReference(ctx, pkg.Scheme, pkg.Name, pkg.Version, dump.ID, pkg.Identifiers); err != nil {
			return err
		}
	}

	if args.Tip {
		if err := c.store.UpdateTips(ctx, args.Repository, args.Commit); err != nil {
			return err
		}
	}

	if err := os.Remove(args.UploadPath); err != nil {
		c.logger.Warn("Failed to remove upload file", map[string]interface{}{
			"path":  args.UploadPath,
			"error": err.Error(),
		})
	}

	c.logger.Info("Converted dump", map[string]interface{}{
		"dump_id":    dump.ID,
		"repository": args.Repository,
		"commit":     args.Commit,
		"root":       root,
		"documents":  len(raw.Documents),
	})
	return nil
}

func (c *Converter) writeStore(ctx context.Context, dumpID int64, raw *RawDump) error {
	numChunks := raw.NumResultChunks
	if numChunks <= 0 {
		numChunks = 1
	}
	if len(raw.ResultChunks) > numChunks {
		numChunks = len(raw.ResultChunks)
	}

	writer, err := dumps.CreateStore(c.storageRoot, dumpID, numChunks)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	for path, document := range raw.Documents {
		if err := writer.WriteDocument(ctx, path, document); err != nil {
			return err
		}
	}
	for i := range raw.ResultChunks {
		if err := writer.WriteResultChunk(ctx, i, &raw.ResultChunks[i]); err != nil {
			return err
		}
	}
	for _, row := range raw.Definitions {
		loc := dumps.Location{DumpID: dumpID, Path: row.Path, Range: row.Range}
		if err := writer.WriteMonikerResult(ctx, dumps.DefinitionsTable, row.Scheme, row.Identifier, loc); err != nil {
			return err
		}
	}
	for _, row := range raw.References {
		loc := dumps.Location{DumpID: dumpID, Path: row.Path, Range: row.Range}
		if err := writer.WriteMonikerResult(ctx, dumps.ReferencesTable, row.Scheme, row.Identifier, loc); err != nil {
			return err
		}
	}

	return nil
}

func readRawDump(path string) (*RawDump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("upload is not gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var raw RawDump
	if err := json.NewDecoder(gz).Decode(&raw); err != nil {
		return nil, fmt.Errorf("upload is not a valid index: %w", err)
	}
	return &raw, nil
}
