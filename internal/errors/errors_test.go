package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(DumpNotFound, "no dump covers the file", nil)
	if got := err.Error(); got != "[DUMP_NOT_FOUND] no dump covers the file" {
		t.Errorf("unexpected message: %q", got)
	}

	cause := stderrors.New("disk full")
	wrapped := New(StorageFailure, "failed to read document", cause)
	if got := wrapped.Error(); got != "[STORAGE_FAILURE] failed to read document: disk full" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := New(XrepoUnavailable, "index query failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestCodeOf(t *testing.T) {
	if code := CodeOf(New(MalformedCursor, "bad token", nil)); code != MalformedCursor {
		t.Errorf("expected MALFORMED_CURSOR, got %s", code)
	}

	// Codes survive wrapping by callers.
	wrapped := fmt.Errorf("handling request: %w", New(DumpNotFound, "nothing here", nil))
	if code := CodeOf(wrapped); code != DumpNotFound {
		t.Errorf("expected DUMP_NOT_FOUND through wrapping, got %s", code)
	}

	if code := CodeOf(stderrors.New("plain")); code != InternalError {
		t.Errorf("untyped errors map to INTERNAL_ERROR, got %s", code)
	}
}

func TestPredicates(t *testing.T) {
	if !IsDumpNotFound(New(DumpNotFound, "x", nil)) {
		t.Error("IsDumpNotFound failed on a DUMP_NOT_FOUND error")
	}
	if IsDumpNotFound(New(StorageFailure, "x", nil)) {
		t.Error("IsDumpNotFound matched the wrong code")
	}
	if !IsMalformedCursor(New(MalformedCursor, "x", nil)) {
		t.Error("IsMalformedCursor failed on a MALFORMED_CURSOR error")
	}
}
