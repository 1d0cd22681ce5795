package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel, format LogFormat) *StructuredLogger {
	return NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: buf,
		Format: format,
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	for _, log := range []func(string, ...map[string]interface{}){logger.Info, logger.Warn, logger.Error} {
		buf.Reset()
		log("visible message")
		if !strings.Contains(buf.String(), "visible message") {
			t.Errorf("expected message in output, got %q", buf.String())
		}
	}
}

func TestTextFieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, DEBUG, FormatText).WithComponent("store")

	logger.Info("evicted", map[string]interface{}{"count": 25, "after": 100})

	out := buf.String()
	if !strings.Contains(out, "[INFO] evicted {after=100, component=store, count=25}") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, DEBUG, FormatJSON)

	logger.Warn("durable save failed", map[string]interface{}{
		"key":   "entity:svc-1",
		"error": fmt.Errorf("disk full"),
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry.Level != "WARN" || entry.Message != "durable save failed" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["error"] != "disk full" {
		t.Errorf("error field should be rendered as string, got %v", entry.Fields["error"])
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(&buf, DEBUG, FormatText)
	child := parent.WithField("request_id", "abc")

	parent.Info("parent")
	if strings.Contains(buf.String(), "request_id") {
		t.Error("parent logger picked up child field")
	}

	buf.Reset()
	child.Info("child")
	if !strings.Contains(buf.String(), "request_id=abc") {
		t.Error("child logger lost its field")
	}
}

func TestComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf, INFO, FormatText)
	tracker := root.WithComponent("tracker")

	root.SetComponentLevel("tracker", ERROR)

	tracker.Warn("suppressed")
	if buf.Len() > 0 {
		t.Error("component override should suppress WARN")
	}

	root.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("global level should still apply to other loggers")
	}
}

func TestFormattedHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, DEBUG, FormatText)

	logger.Infof("preloaded %d of %d", 3, 10)
	if !strings.Contains(buf.String(), "preloaded 3 of 10") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("nothing should happen")
	if logger.isEnabled(FATAL) {
		t.Error("nop logger should not enable any level")
	}
}
