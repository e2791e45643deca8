package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: JSONFormat, Level: InfoLevel, Output: &buf})

	logger.Info("server started", map[string]interface{}{
		"addr": "127.0.0.1:3186",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON object: %v", err)
	}
	if entry["message"] != "server started" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("unexpected level: %v", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Format: HumanFormat, Level: WarnLevel, Output: &buf})

	logger.Debug("noise", nil)
	logger.Info("more noise", nil)
	if buf.Len() != 0 {
		t.Errorf("below-threshold messages were written: %q", buf.String())
	}

	logger.Warn("something odd", nil)
	if !strings.Contains(buf.String(), "something odd") {
		t.Errorf("warning was filtered: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != DebugLevel {
		t.Error("debug should parse")
	}
	if ParseLevel("nonsense") != InfoLevel {
		t.Error("unknown levels default to info")
	}
}
