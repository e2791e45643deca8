package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"codeintel/internal/errors"
)

// Cursor carries enough state to resume a cross-repository reference scan
// where the previous page stopped. It round-trips through the client as
// an opaque token; the client never inspects or constructs one.
type Cursor struct {
	DumpID          int64  `json:"dumpId"`
	ExportingDumpID int64  `json:"exportingDumpId,omitempty"`
	Scheme          string `json:"scheme"`
	Identifier      string `json:"identifier"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Offset          int    `json:"offset"`
}

// EncodeCursor serializes and signs a cursor. The signature lets the
// server reject tokens it did not mint without keeping per-client state.
func EncodeCursor(cursor Cursor, secret []byte) (string, error) {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", errors.New(errors.InternalError, "failed to encode cursor", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + sign(payload, secret), nil
}

// DecodeCursor verifies and deserializes a client-supplied token. Any
// malformed, truncated, or tampered token fails closed.
func DecodeCursor(token string, secret []byte) (Cursor, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Cursor{}, errors.New(errors.MalformedCursor, "cursor is not a signed token", nil)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Cursor{}, errors.New(errors.MalformedCursor, "cursor payload is not base64", err)
	}

	if !hmac.Equal([]byte(sign(payload, secret)), []byte(parts[1])) {
		return Cursor{}, errors.New(errors.MalformedCursor, "cursor signature mismatch", nil)
	}

	var cursor Cursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return Cursor{}, errors.New(errors.MalformedCursor, "cursor payload is not valid", err)
	}
	return cursor, nil
}

func sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
