package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"cloud.google.com/go/logging"
)

// fakeEntryWriter records entries instead of sending them to Cloud Logging.
type fakeEntryWriter struct {
	entries  []logging.Entry
	flushes  int
	flushErr error
}

func (f *fakeEntryWriter) Log(e logging.Entry) {
	f.entries = append(f.entries, e)
}

func (f *fakeEntryWriter) Flush() error {
	f.flushes++
	return f.flushErr
}

type fakeCloser struct {
	closed bool
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestCloudLogger_LogInfo(t *testing.T) {
	w := &fakeEntryWriter{}
	logger := newCloudLogger(w, "sess-1", map[string]string{"session_id": "sess-1"})
	logger.SetCycle(3)

	logger.LogInfo("Starting security cycle")

	if len(w.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(w.entries))
	}
	entry := w.entries[0]
	if entry.Severity != logging.Info {
		t.Errorf("Severity = %v, want %v", entry.Severity, logging.Info)
	}

	payload, ok := entry.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("Payload type = %T, want map", entry.Payload)
	}
	if payload["message"] != "Starting security cycle" {
		t.Errorf("message = %v", payload["message"])
	}
	if payload["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", payload["session_id"])
	}
	if payload["cycle"] != 3 {
		t.Errorf("cycle = %v, want 3", payload["cycle"])
	}
	if entry.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
}

func TestCloudLogger_SeverityMapping(t *testing.T) {
	tests := []struct {
		log  func(l *CloudLogger)
		want logging.Severity
	}{
		{func(l *CloudLogger) { l.LogWarning("w") }, logging.Warning},
		{func(l *CloudLogger) { l.LogError("e") }, logging.Error},
		{func(l *CloudLogger) { l.Log(SeverityCritical, "c", nil) }, logging.Critical},
		{func(l *CloudLogger) { l.Log(SeverityDebug, "d", nil) }, logging.Debug},
	}

	for _, tt := range tests {
		w := &fakeEntryWriter{}
		tt.log(newCloudLogger(w, "s", nil))
		if len(w.entries) != 1 || w.entries[0].Severity != tt.want {
			t.Errorf("entries = %+v, want severity %v", w.entries, tt.want)
		}
	}
}

func TestCloudLogger_SanitizesMessageAndFields(t *testing.T) {
	w := &fakeEntryWriter{}
	logger := newCloudLogger(w, "s", nil)

	logger.Log(SeverityInfo, "calling https://mainnet.helius-rpc.com/?api-key=abcdef123456", map[string]interface{}{
		"rpc":   "https://mainnet.helius-rpc.com/?api-key=abcdef123456",
		"count": 2,
	})

	payload := w.entries[0].Payload.(map[string]interface{})
	if strings.Contains(payload["message"].(string), "abcdef123456") {
		t.Errorf("message not sanitized: %v", payload["message"])
	}
	fields := payload["fields"].(map[string]interface{})
	if strings.Contains(fields["rpc"].(string), "abcdef123456") {
		t.Errorf("field not sanitized: %v", fields["rpc"])
	}
	if fields["count"] != 2 {
		t.Errorf("non-string fields must pass through, got %v", fields["count"])
	}
}

func TestCloudLogger_FlushAndClose(t *testing.T) {
	w := &fakeEntryWriter{}
	closer := &fakeCloser{}
	logger := newCloudLogger(w, "s", nil)
	logger.client = closer

	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !closer.closed {
		t.Error("Close() must close the client")
	}
	if w.flushes != 2 {
		t.Errorf("flushes = %d, want 2", w.flushes)
	}

	// entries after close are dropped and a second close is a no-op
	logger.LogInfo("ignored")
	if len(w.entries) != 0 {
		t.Errorf("entries after close = %d, want 0", len(w.entries))
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestCloudLogger_CloseFlushError(t *testing.T) {
	w := &fakeEntryWriter{flushErr: errors.New("unavailable")}
	logger := newCloudLogger(w, "s", nil)

	if err := logger.Close(); err == nil {
		t.Error("Close() expected flush error")
	}
}

func TestFallbackLogger_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFallbackLogger(&buf, LoggerConfig{SessionID: "sess-2", AgentID: "agent-1"})
	logger.SetCycle(7)

	logger.LogWarning("Monitor status unavailable")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want %q", entry.Severity, SeverityWarning)
	}
	if entry.Message != "Monitor status unavailable" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.SessionID != "sess-2" || entry.Cycle != 7 {
		t.Errorf("SessionID/Cycle = %q/%d", entry.SessionID, entry.Cycle)
	}
	if entry.Labels["agent_id"] != "agent-1" || entry.Labels["component"] != "walletguard" {
		t.Errorf("Labels = %v", entry.Labels)
	}
}

func TestFallbackLogger_MultipleEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFallbackLogger(&buf, LoggerConfig{SessionID: "s"})

	logger.LogInfo("first")
	logger.LogError("second token: eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if strings.Contains(lines[1], "eyJhbGciOiJIUzI1NiJ9") {
		t.Errorf("JWT not redacted: %s", lines[1])
	}
}

func TestLoggerConfig_Labels(t *testing.T) {
	cfg := LoggerConfig{SessionID: "s", Labels: map[string]string{"network": "solana", "component": "cli"}}
	labels := cfg.labels()

	if labels["network"] != "solana" {
		t.Errorf("network label = %q", labels["network"])
	}
	if labels["component"] != "cli" {
		t.Errorf("custom labels must override defaults, got %q", labels["component"])
	}
	if _, ok := labels["agent_id"]; ok {
		t.Error("empty agent ID must not be labelled")
	}
}

func TestNewCloudLogger_RequiresProject(t *testing.T) {
	if _, err := NewCloudLogger(context.Background(), LoggerConfig{}); err == nil {
		t.Error("expected error without project ID")
	}
}
