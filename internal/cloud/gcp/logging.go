package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"

	"github.com/andywolf/walletguard/internal/security"
)

// Severity levels for structured logs
type Severity string

const (
	SeverityDefault  Severity = "DEFAULT"
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// DefaultLogID is the Cloud Logging log name used when none is configured.
const DefaultLogID = "walletguard"

// LogEntry is the JSON shape written by the fallback logger. The cloud
// logger sends the same fields as the entry payload.
type LogEntry struct {
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Cycle     int                    `json:"cycle"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is the structured logging surface used by the cycle loop, the
// monitor and the CLI.
type Logger interface {
	Log(severity Severity, message string, fields map[string]interface{})
	LogInfo(message string)
	LogWarning(message string)
	LogError(message string)
	SetCycle(cycle int)
	Flush() error
	Close() error
}

// LoggerConfig selects and labels a logger.
type LoggerConfig struct {
	ProjectID string
	LogID     string
	SessionID string
	AgentID   string
	Labels    map[string]string
}

func (c LoggerConfig) labels() map[string]string {
	labels := map[string]string{
		"session_id": c.SessionID,
		"component":  "walletguard",
	}
	if c.AgentID != "" {
		labels["agent_id"] = c.AgentID
	}
	for k, v := range c.Labels {
		labels[k] = v
	}
	return labels
}

// entryWriter is the subset of *logging.Logger used here.
type entryWriter interface {
	Log(e logging.Entry)
	Flush() error
}

// CloudLogger sends sanitized structured entries to Cloud Logging.
type CloudLogger struct {
	writer    entryWriter
	client    io.Closer
	sanitizer *security.LogSanitizer
	sessionID string
	labels    map[string]string

	mu     sync.Mutex
	cycle  int
	closed bool
}

// NewCloudLogger creates a Cloud Logging client for the project and
// returns a logger writing to cfg.LogID.
func NewCloudLogger(ctx context.Context, cfg LoggerConfig, opts ...option.ClientOption) (*CloudLogger, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("cloud logging requires a project ID")
	}
	logID := cfg.LogID
	if logID == "" {
		logID = DefaultLogID
	}

	client, err := logging.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}
	client.OnError = func(err error) {
		fmt.Fprintf(os.Stderr, "cloud logging error: %v\n", err)
	}

	labels := cfg.labels()
	cl := newCloudLogger(client.Logger(logID, logging.CommonLabels(labels)), cfg.SessionID, labels)
	cl.client = client
	return cl, nil
}

func newCloudLogger(w entryWriter, sessionID string, labels map[string]string) *CloudLogger {
	return &CloudLogger{
		writer:    w,
		sanitizer: security.NewLogSanitizer(),
		sessionID: sessionID,
		labels:    labels,
	}
}

// Sanitizer exposes the logger's sanitizer so fetched secrets can be
// registered as literals.
func (cl *CloudLogger) Sanitizer() *security.LogSanitizer {
	return cl.sanitizer
}

// Log writes a structured log entry
func (cl *CloudLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return
	}

	payload := map[string]interface{}{
		"message":    cl.sanitizer.Sanitize(message),
		"session_id": cl.sessionID,
		"cycle":      cl.cycle,
	}
	if len(fields) > 0 {
		payload["fields"] = sanitizeFields(cl.sanitizer, fields)
	}

	cl.writer.Log(logging.Entry{
		Timestamp: time.Now().UTC(),
		Severity:  logging.ParseSeverity(string(severity)),
		Payload:   payload,
	})
}

// LogInfo writes an INFO level log entry
func (cl *CloudLogger) LogInfo(message string) {
	cl.Log(SeverityInfo, message, nil)
}

// LogWarning writes a WARNING level log entry
func (cl *CloudLogger) LogWarning(message string) {
	cl.Log(SeverityWarning, message, nil)
}

// LogError writes an ERROR level log entry
func (cl *CloudLogger) LogError(message string) {
	cl.Log(SeverityError, message, nil)
}

// SetCycle updates the cycle number attached to subsequent entries
func (cl *CloudLogger) SetCycle(cycle int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.cycle = cycle
}

// Flush sends buffered entries
func (cl *CloudLogger) Flush() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil
	}
	return cl.writer.Flush()
}

// Close flushes remaining entries and closes the client
func (cl *CloudLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return nil
	}
	cl.closed = true

	if err := cl.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush cloud logger: %w", err)
	}
	if cl.client != nil {
		return cl.client.Close()
	}
	return nil
}

// FallbackLogger writes the same structured JSON entries to a local
// writer, for runs outside GCP.
type FallbackLogger struct {
	writer    io.Writer
	sanitizer *security.LogSanitizer
	sessionID string
	labels    map[string]string

	mu    sync.Mutex
	cycle int
}

// NewFallbackLogger creates a logger that writes structured JSON to the given writer
func NewFallbackLogger(writer io.Writer, cfg LoggerConfig) *FallbackLogger {
	return &FallbackLogger{
		writer:    writer,
		sanitizer: security.NewLogSanitizer(),
		sessionID: cfg.SessionID,
		labels:    cfg.labels(),
	}
}

// Sanitizer exposes the logger's sanitizer.
func (fl *FallbackLogger) Sanitizer() *security.LogSanitizer {
	return fl.sanitizer
}

// Log writes a structured log entry to the writer
func (fl *FallbackLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	entry := LogEntry{
		Severity:  severity,
		Message:   fl.sanitizer.Sanitize(message),
		Timestamp: time.Now().UTC(),
		SessionID: fl.sessionID,
		Cycle:     fl.cycle,
		Labels:    fl.labels,
	}
	if len(fields) > 0 {
		entry.Fields = sanitizeFields(fl.sanitizer, fields)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(fl.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(fl.writer, "%s\n", data)
}

// LogInfo writes an INFO level log entry
func (fl *FallbackLogger) LogInfo(message string) {
	fl.Log(SeverityInfo, message, nil)
}

// LogWarning writes a WARNING level log entry
func (fl *FallbackLogger) LogWarning(message string) {
	fl.Log(SeverityWarning, message, nil)
}

// LogError writes an ERROR level log entry
func (fl *FallbackLogger) LogError(message string) {
	fl.Log(SeverityError, message, nil)
}

// SetCycle updates the cycle number attached to subsequent entries
func (fl *FallbackLogger) SetCycle(cycle int) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.cycle = cycle
}

// Flush syncs the writer when it supports it
func (fl *FallbackLogger) Flush() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if syncer, ok := fl.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close is a no-op for the fallback logger
func (fl *FallbackLogger) Close() error {
	return nil
}

// NewLogger returns a Cloud Logging backed logger when a project is
// configured or discoverable from the metadata server, and a JSON logger
// on stdout otherwise.
func NewLogger(ctx context.Context, cfg LoggerConfig, opts ...option.ClientOption) Logger {
	if cfg.ProjectID == "" && IsRunningOnGCP() {
		if projectID, err := detectProject(); err == nil {
			cfg.ProjectID = projectID
		}
	}

	if cfg.ProjectID != "" {
		cl, err := NewCloudLogger(ctx, cfg, opts...)
		if err == nil {
			return cl
		}
		fmt.Fprintf(os.Stderr, "Warning: falling back to local structured logs: %v\n", err)
	}

	return NewFallbackLogger(os.Stdout, cfg)
}

func sanitizeFields(s *security.LogSanitizer, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if str, ok := v.(string); ok {
			out[k] = s.Sanitize(str)
			continue
		}
		out[k] = v
	}
	return out
}

var (
	_ Logger = (*CloudLogger)(nil)
	_ Logger = (*FallbackLogger)(nil)
)
