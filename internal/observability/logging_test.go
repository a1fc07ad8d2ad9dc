package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerTo_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info", "json")

	logger.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v", entry["key"])
	}
}

func TestNewLoggerTo_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info", "text")

	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output missing message: %s", buf.String())
	}
}

func TestNewLoggerTo_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", "json")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record passed a warn filter: %s", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %s", buf.String())
	}
}

func TestNewLoggerTo_UnknownValuesFallBack(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "loud", "yaml")

	logger.Info("hello")
	if buf.Len() == 0 {
		t.Fatal("no output with fallback level/format")
	}
	logger.Debug("quiet")
}
