// Package dumps models completed code-intelligence indexes and answers
// queries against a single dump's persisted store.
package dumps

import (
	"time"
)

// ID identifies a range, result set, moniker, or package-information
// record inside one dump. IDs are only meaningful within their dump.
type ID int

// Dump is one completed index for a (repository, commit) pair. Dumps are
// created by the ingestion pipeline and are immutable once created; they
// are never mutated, only superseded by newer dumps.
type Dump struct {
	ID           int64     `json:"id"`
	Repository   string    `json:"repository"`
	Commit       string    `json:"commit"`
	Root         string    `json:"root"`
	UploadedAt   time.Time `json:"uploadedAt"`
	VisibleAtTip bool      `json:"visibleAtTip"`
}

// Position is a zero-based (line, character) pair within a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a span within a document.
type Range struct {
	StartLine      int `json:"startLine"`
	StartCharacter int `json:"startCharacter"`
	EndLine        int `json:"endLine"`
	EndCharacter   int `json:"endCharacter"`
}

// Contains reports whether pos falls within the range, end-exclusive on
// the final character.
func (r Range) Contains(pos Position) bool {
	if pos.Line < r.StartLine || pos.Line > r.EndLine {
		return false
	}
	if pos.Line == r.StartLine && pos.Character < r.StartCharacter {
		return false
	}
	if pos.Line == r.EndLine && pos.Character > r.EndCharacter {
		return false
	}
	return true
}

// Covers reports whether r encloses other entirely.
func (r Range) Covers(other Range) bool {
	return r.Contains(Position{Line: other.StartLine, Character: other.StartCharacter}) &&
		r.Contains(Position{Line: other.EndLine, Character: other.EndCharacter})
}

// Location is a resolved span inside a particular dump. Path is relative
// to the dump root; the orchestration layer translates it to a
// repository-relative path before returning it to the caller.
type Location struct {
	DumpID int64  `json:"dumpId"`
	Path   string `json:"path"`
	Range  Range  `json:"range"`
}

// MonikerKind is the closed set of moniker roles. Dispatch on kind is
// exhaustive; an unrecognized kind is a data error, not a silent branch.
type MonikerKind string

const (
	// MonikerImport marks a symbol consumed from another package. Import
	// monikers are never treated as locally defining.
	MonikerImport MonikerKind = "import"
	// MonikerExport marks a symbol this dump defines and publishes.
	MonikerExport MonikerKind = "export"
	// MonikerLocal marks a symbol private to this dump.
	MonikerLocal MonikerKind = "local"
)

// ParseMonikerKind validates a kind string from a persisted index.
func ParseMonikerKind(s string) (MonikerKind, bool) {
	switch MonikerKind(s) {
	case MonikerImport, MonikerExport, MonikerLocal:
		return MonikerKind(s), true
	default:
		return "", false
	}
}

// MonikerData is a scoped symbol identity used to link symbols across
// documents and across dumps.
type MonikerData struct {
	Kind                 MonikerKind `json:"kind"`
	Scheme               string      `json:"scheme"`
	Identifier           string      `json:"identifier"`
	PackageInformationID ID          `json:"packageInformationId,omitempty"`
}

// PackageInformationData names the package a moniker is published under.
type PackageInformationData struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RangeData is a document span with its attached result-set links. A zero
// result ID means the range carries no result of that kind.
type RangeData struct {
	StartLine          int  `json:"startLine"`
	StartCharacter     int  `json:"startCharacter"`
	EndLine            int  `json:"endLine"`
	EndCharacter       int  `json:"endCharacter"`
	DefinitionResultID ID   `json:"definitionResultId,omitempty"`
	ReferenceResultID  ID   `json:"referenceResultId,omitempty"`
	HoverResultID      ID   `json:"hoverResultId,omitempty"`
	MonikerIDs         []ID `json:"monikerIds,omitempty"`
}

// Span returns the range's position span.
func (r RangeData) Span() Range {
	return Range{
		StartLine:      r.StartLine,
		StartCharacter: r.StartCharacter,
		EndLine:        r.EndLine,
		EndCharacter:   r.EndCharacter,
	}
}

// DocumentData is the parsed index content for one file, owned by the
// dump that produced it. Loaded on demand, cached, never mutated.
type DocumentData struct {
	Ranges             map[ID]RangeData             `json:"ranges"`
	HoverResults       map[ID]string                `json:"hoverResults"`
	Monikers           map[ID]MonikerData           `json:"monikers"`
	PackageInformation map[ID]PackageInformationData `json:"packageInformation"`
}

// DocumentIDRangeID is one (document, range) pair of a result set.
type DocumentIDRangeID struct {
	DocumentID ID `json:"documentId"`
	RangeID    ID `json:"rangeId"`
}

// ResultChunk is a cache-granularity partition of a dump's result tables.
// A result ID maps to its chunk by id mod numResultChunks.
type ResultChunk struct {
	DocumentPaths      map[ID]string              `json:"documentPaths"`
	DocumentIDRangeIDs map[ID][]DocumentIDRangeID `json:"documentIdRangeIds"`
}
