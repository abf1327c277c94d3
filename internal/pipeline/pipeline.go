// Package pipeline runs the four stages of a security cycle: Analysis,
// Strategy, Threat Research and Remediation.
//
// Each stage is a bounded generate-execute-regenerate loop. Script stages
// normalize the model text and run it in the sandbox; the Strategy stage
// keeps the model text as the plan. Every stage's chat delta is added to the
// training history. The live history, which is sent to the model, skips the
// Remediation delta.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andywolf/walletguard/internal/llm"
	"github.com/andywolf/walletguard/internal/normalize"
	"github.com/andywolf/walletguard/internal/observability"
	"github.com/andywolf/walletguard/internal/retry"
	"github.com/andywolf/walletguard/internal/sandbox"
	"github.com/andywolf/walletguard/internal/security"
	"github.com/andywolf/walletguard/internal/storage"
)

// Stage names, used in logs, traces and StageError.
const (
	StageAnalysis    = "analysis"
	StageStrategy    = "strategy"
	StageResearch    = "research"
	StageRemediation = "remediation"
)

// Sandbox labels. The label names the script file and serializes runs.
const (
	LabelAnalysis    = "security_analysis_code"
	LabelResearch    = "threat_intelligence_research"
	LabelRemediation = "security_implementation_code"
	LabelUnassisted  = "unassisted_security_analysis"
)

const (
	researchPrevAnalysis = "Threat intelligence research"
	researchRAGSummary   = "Researching known threat patterns and scammer addresses"
	researchPlanChars    = 200
)

var errEmptyResponse = errors.New("model returned an empty response")

// StageError reports a stage that could not produce a result. It aborts
// the cycle.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RAGContext is the most relevant past strategy, or placeholders.
type RAGContext struct {
	Summary     string
	StartMetric string
	EndMetric   string
}

// Input is everything a cycle feeds into the pipeline.
type Input struct {
	Role           string
	Network        string
	Time           string
	MetricName     string
	APIs           []string
	SecurityTools  []string
	MetaSwapAPIURL string
	StartMetric    string
	PrevStrategy   *storage.StrategyRecord
	Notifications  string
	RAG            RAGContext
	Trace          observability.CycleTrace
}

// Result holds the stage outputs of a completed run. A failed Remediation
// still yields a Result with RemediationSucceeded false.
type Result struct {
	AnalysisCode         string
	AnalysisOutput       string
	StrategyOutput       string
	ResearchOutput       string
	RemediationCode      string
	RemediationOutput    string
	RemediationSucceeded bool
	RemediationErr       error

	Live     llm.ChatHistory
	Training llm.ChatHistory

	InputTokens  int
	OutputTokens int
}

// Config wires a Pipeline.
type Config struct {
	Generator   llm.Generator
	Gateway     sandbox.Gateway
	Tracer      observability.Tracer
	Sanitizer   *security.LogSanitizer
	MaxAttempts int
	Logger      *log.Logger
}

// Pipeline is safe for sequential use by one cycle loop.
type Pipeline struct {
	gen         llm.Generator
	gateway     sandbox.Gateway
	tracer      observability.Tracer
	sanitizer   *security.LogSanitizer
	maxAttempts int
	logger      *log.Logger
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("pipeline: sandbox gateway is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &observability.NoOpTracer{}
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewLogSanitizer()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[pipeline] ", log.LstdFlags)
	}
	return &Pipeline{
		gen:         cfg.Generator,
		gateway:     cfg.Gateway,
		tracer:      cfg.Tracer,
		sanitizer:   cfg.Sanitizer,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
	}, nil
}

// stage describes one generate-execute loop.
type stage struct {
	name     string
	label    string // sandbox label, empty for text-only stages
	liveless bool   // delta goes to training only
	generate func(ctx context.Context, live llm.ChatHistory) (llm.Reply, error)
}

// stageOutput is what a successful attempt yields: the script (or plan)
// and its sandbox output.
type stageOutput struct {
	Text   string
	Output string
}

// run carries the histories through one pipeline run.
type run struct {
	live     llm.ChatHistory
	training llm.ChatHistory

	latest   string // most recent model response of the current stage
	lastText string // most recent script or plan of the current stage

	inTokens  int
	outTokens int
}

func (r *run) absorb(reply llm.Reply, liveless bool) {
	r.training = r.training.Append(reply.Delta)
	if !liveless {
		r.live = r.live.Append(reply.Delta)
	}
	r.latest = reply.Delta.LatestResponse()
	r.inTokens += reply.InputTokens
	r.outTokens += reply.OutputTokens
}

func (p *Pipeline) start(in Input) (*run, error) {
	system, err := p.gen.PrepareSystem(llm.SystemParams{
		Role:        in.Role,
		Time:        in.Time,
		MetricName:  in.MetricName,
		Network:     in.Network,
		MetricState: in.StartMetric,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare system prompt: %w", err)
	}
	p.logger.Printf("Initialized system prompt")
	return &run{live: system, training: system}, nil
}

// Run executes all four stages. Analysis, Strategy and Research abort the
// run with a *StageError when they exhaust their attempts. Remediation
// failure is reported in the Result.
func (p *Pipeline) Run(ctx context.Context, in Input) (res Result, err error) {
	r, err := p.start(in)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		res.Live = r.live
		res.Training = r.training
		res.InputTokens = r.inTokens
		res.OutputTokens = r.outTokens
	}()

	analysis, err := p.runStage(ctx, r, in.Trace, p.analysisStage(in, LabelAnalysis, "Fresh"))
	if err != nil {
		return res, err
	}
	res.AnalysisCode = analysis.Text
	res.AnalysisOutput = analysis.Output
	p.logger.Printf("Security analysis output:\n%s", analysis.Output)

	strategy, err := p.runStage(ctx, r, in.Trace, stage{
		name: StageStrategy,
		generate: func(ctx context.Context, live llm.ChatHistory) (llm.Reply, error) {
			return p.gen.GenerateStrategy(ctx, live, llm.StrategyParams{
				AnalysisResults:   analysis.Output,
				APIs:              in.APIs,
				BeforeMetricState: in.StartMetric,
				Network:           in.Network,
				Time:              in.Time,
			})
		},
	})
	if err != nil {
		return res, err
	}
	res.StrategyOutput = strategy.Text
	p.logger.Printf("Security strategy:\n%s", strategy.Text)

	research, err := p.runStage(ctx, r, in.Trace, stage{
		name:  StageResearch,
		label: LabelResearch,
		generate: func(ctx context.Context, live llm.ChatHistory) (llm.Reply, error) {
			return p.gen.GenerateAnalysis(ctx, live, llm.AnalysisParams{
				Notifications:     ResearchQuery(strategy.Text),
				APIs:              in.APIs,
				PrevAnalysis:      researchPrevAnalysis,
				RAGSummary:        researchRAGSummary,
				BeforeMetricState: in.StartMetric,
				AfterMetricState:  in.StartMetric,
			})
		},
	})
	if err != nil {
		return res, err
	}
	res.ResearchOutput = research.Output
	p.logger.Printf("Threat intelligence research:\n%s", research.Output)

	remediation, err := p.runStage(ctx, r, in.Trace, stage{
		name:     StageRemediation,
		label:    LabelRemediation,
		liveless: true,
		generate: func(ctx context.Context, live llm.ChatHistory) (llm.Reply, error) {
			return p.gen.GenerateRemediation(ctx, live, llm.RemediationParams{
				Strategy:       strategy.Text,
				ResearchOutput: research.Output,
				APIs:           in.APIs,
				MetricState:    in.StartMetric,
				SecurityTools:  in.SecurityTools,
				MetaSwapAPIURL: in.MetaSwapAPIURL,
				Network:        in.Network,
			})
		},
	})
	switch {
	case err == nil:
		res.RemediationSucceeded = true
		res.RemediationCode = remediation.Text
		res.RemediationOutput = remediation.Output
		p.logger.Printf("Succeeded security implementation:\n%s", remediation.Output)
	case errors.Is(err, retry.ErrExhausted):
		var exhausted *retry.ExhaustedError
		errors.As(err, &exhausted)
		res.RemediationErr = err
		res.RemediationCode = r.lastText
		res.RemediationOutput = strings.TrimSpace(exhausted.Errors)
		p.logger.Printf("Failed security implementation after %d attempts", exhausted.Attempts)
	default:
		return res, err
	}
	return res, nil
}

// RunAnalysisOnly runs the Analysis stage alone, for unassisted monitoring.
// Result.Training is left equal to Live.
func (p *Pipeline) RunAnalysisOnly(ctx context.Context, in Input) (Result, error) {
	r, err := p.start(in)
	if err != nil {
		return Result{}, err
	}
	analysis, err := p.runStage(ctx, r, in.Trace, p.analysisStage(in, LabelUnassisted, "Continuous monitoring"))
	res := Result{
		AnalysisCode:   analysis.Text,
		AnalysisOutput: analysis.Output,
		Live:           r.live,
		Training:       r.training,
		InputTokens:    r.inTokens,
		OutputTokens:   r.outTokens,
	}
	return res, err
}

func (p *Pipeline) analysisStage(in Input, label, emptyNotifications string) stage {
	return stage{
		name:  StageAnalysis,
		label: label,
		generate: func(ctx context.Context, live llm.ChatHistory) (llm.Reply, error) {
			if in.PrevStrategy == nil {
				return p.gen.GenerateAnalysisFirst(ctx, live, llm.AnalysisFirstParams{
					APIs:    in.APIs,
					Network: in.Network,
				})
			}
			notifications := in.Notifications
			if strings.TrimSpace(notifications) == "" {
				notifications = emptyNotifications
			}
			prev := in.PrevStrategy.SummarizedDesc
			if prev == "" {
				prev = "No previous analysis available"
			}
			return p.gen.GenerateAnalysis(ctx, live, llm.AnalysisParams{
				Notifications:     notifications,
				APIs:              in.APIs,
				PrevAnalysis:      prev,
				RAGSummary:        in.RAG.Summary,
				BeforeMetricState: in.RAG.StartMetric,
				AfterMetricState:  in.RAG.EndMetric,
			})
		},
	}
}

// runStage drives one stage through retry.Run. Exhaustion and cancellation
// come back wrapped in a *StageError.
func (p *Pipeline) runStage(ctx context.Context, r *run, trace observability.CycleTrace, st stage) (stageOutput, error) {
	r.latest = ""
	r.lastText = ""

	span := p.tracer.StartStage(trace, st.name, observability.StageOptions{
		MaxAttempts: p.maxAttempts,
		Metadata:    map[string]string{"label": st.label},
	})
	started := time.Now()
	attempt := 0

	call := func(ctx context.Context, name string, gen func(context.Context) (llm.Reply, error)) (stageOutput, error) {
		attempt++
		callStart := time.Now()
		reply, err := gen(ctx)
		p.recordGeneration(span, name, attempt, reply, err, time.Since(callStart))
		if err != nil {
			return stageOutput{}, err
		}
		r.absorb(reply, st.liveless)
		return p.execute(ctx, r, st, reply.Text)
	}

	p.logger.Printf("Generating %s...", st.name)
	out, err := retry.Run(ctx, retry.Config{Stage: st.name, MaxAttempts: p.maxAttempts, Logger: p.logger},
		func(ctx context.Context) (stageOutput, error) {
			return call(ctx, "generate", func(ctx context.Context) (llm.Reply, error) {
				return st.generate(ctx, r.live)
			})
		},
		func(ctx context.Context, errs, latest string) (stageOutput, error) {
			p.tracer.RecordEvent(span, "regeneration", map[string]string{"attempt": strconv.Itoa(attempt + 1)})
			p.logger.Printf("Regenerating %s...", st.name)
			return call(ctx, "regenerate", func(ctx context.Context) (llm.Reply, error) {
				return p.gen.Regenerate(ctx, r.live, errs, latest)
			})
		},
		func() string { return r.latest },
	)

	status := "success"
	if err != nil {
		status = "failed"
	}
	p.tracer.EndStage(span, status, time.Since(started))

	if err != nil {
		return stageOutput{}, &StageError{Stage: st.name, Err: err}
	}
	p.logger.Printf("Succeeded %s after %d attempt(s)", st.name, out.Attempts)
	return out.Value, nil
}

// execute turns a model reply into a stage result. Text stages only need a
// non-empty answer; script stages normalize the text and run it.
func (p *Pipeline) execute(ctx context.Context, r *run, st stage, text string) (stageOutput, error) {
	if strings.TrimSpace(text) == "" {
		return stageOutput{}, errEmptyResponse
	}
	if st.label == "" {
		r.lastText = strings.TrimSpace(text)
		return stageOutput{Text: r.lastText}, nil
	}

	script, strategy := normalize.Extract(text)
	r.lastText = script
	p.logger.Printf("Running %s in sandbox (extraction: %s)", st.label, strategy)

	result, err := p.gateway.Run(ctx, script, st.label)
	if err != nil {
		return stageOutput{}, p.sanitizeError(err)
	}
	return stageOutput{Text: script, Output: p.sanitizer.Sanitize(result.Output)}, nil
}

// sanitizeError keeps the error type for errors.As while redacting the
// captured output, which is fed back to the model on regeneration.
func (p *Pipeline) sanitizeError(err error) error {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		clean := *execErr
		clean.Output = p.sanitizer.Sanitize(clean.Output)
		return &clean
	}
	return err
}

func (p *Pipeline) recordGeneration(span observability.StageSpan, name string, attempt int, reply llm.Reply, err error, elapsed time.Duration) {
	status := "completed"
	output := reply.Text
	if err != nil {
		status = "error"
		output = err.Error()
	}
	p.tracer.RecordGeneration(span, observability.GenerationInput{
		Name:         name,
		Model:        reply.Model,
		Output:       p.sanitizer.Sanitize(output),
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		Status:       status,
		Attempt:      attempt,
		Elapsed:      elapsed,
	})
}

// ResearchQuery builds the notification text for the Threat Research
// stage from the first 200 characters of the plan.
func ResearchQuery(plan string) string {
	runes := []rune(plan)
	if len(runes) > researchPlanChars {
		runes = runes[:researchPlanChars]
	}
	return "Research threat intelligence for: " + string(runes) + "..."
}
