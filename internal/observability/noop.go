package observability

import (
	"context"
	"log"
	"time"
)

// NoOpTracer is used when Langfuse is not configured.
type NoOpTracer struct{}

func (n *NoOpTracer) StartCycle(_ string, opts CycleOptions) CycleTrace {
	return CycleTrace{Cycle: opts.Cycle}
}

func (n *NoOpTracer) StartStage(_ CycleTrace, stage string, _ StageOptions) StageSpan {
	return StageSpan{Stage: stage}
}

func (n *NoOpTracer) RecordGeneration(_ StageSpan, _ GenerationInput) {}

func (n *NoOpTracer) RecordEvent(_ StageSpan, _ string, _ map[string]string) {}

func (n *NoOpTracer) EndStage(_ StageSpan, _ string, _ time.Duration) {}

func (n *NoOpTracer) CompleteCycle(_ CycleTrace, _ CompleteOptions) {}

func (n *NoOpTracer) Flush(_ context.Context) error { return nil }

func (n *NoOpTracer) Stop(_ context.Context) error { return nil }

// New returns a LangfuseTracer when cfg carries credentials and a
// NoOpTracer otherwise.
func New(cfg Config, logger *log.Logger) Tracer {
	if !cfg.Enabled() {
		return &NoOpTracer{}
	}
	return NewLangfuseTracer(cfg.Langfuse, logger)
}
