// Package observability traces security cycles.
//
// Trace hierarchy:
//
//	Cycle (Trace)
//	  └── Stage (Span): analysis, strategy, research, remediation
//	        ├── Model call (Generation), one per attempt
//	        └── Event: regeneration, skipped step
package observability

import (
	"context"
	"time"
)

// Tracer records the lifecycle of a cycle. Implementations must not block
// the caller on network I/O.
type Tracer interface {
	StartCycle(cycleID string, opts CycleOptions) CycleTrace
	StartStage(trace CycleTrace, stage string, opts StageOptions) StageSpan
	RecordGeneration(span StageSpan, gen GenerationInput)
	RecordEvent(span StageSpan, name string, metadata map[string]string)
	EndStage(span StageSpan, status string, elapsed time.Duration)
	CompleteCycle(trace CycleTrace, opts CompleteOptions)
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// CycleTrace identifies the trace of one cycle.
type CycleTrace struct {
	TraceID string
	Cycle   int
}

// StageSpan identifies a stage within a cycle trace.
type StageSpan struct {
	SpanID  string
	Stage   string
	TraceID string
}

// CycleOptions configures a new cycle trace.
type CycleOptions struct {
	Cycle      int
	SessionID  string
	AgentID    string
	Network    string
	Unassisted bool
}

// StageOptions configures a new stage span.
type StageOptions struct {
	MaxAttempts int
	Metadata    map[string]string
}

// GenerationInput describes one model call.
type GenerationInput struct {
	Name         string // "generate" or "regenerate"
	Model        string
	Output       string
	InputTokens  int
	OutputTokens int
	Status       string // "completed" or "error"
	Attempt      int
	Elapsed      time.Duration
}

// CompleteOptions closes a cycle trace.
type CompleteOptions struct {
	Status            string // "success", "failed" or "aborted"
	SecurityScore     float64
	ThreatsDetected   int
	TotalInputTokens  int
	TotalOutputTokens int
}

// Config selects a tracer implementation.
type Config struct {
	Langfuse LangfuseConfig
}

// Enabled reports whether Langfuse credentials are present.
func (c Config) Enabled() bool {
	return c.Langfuse.PublicKey != "" && c.Langfuse.SecretKey != ""
}
