package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/walletguard/internal/llm"
	"github.com/andywolf/walletguard/internal/observability"
	"github.com/andywolf/walletguard/internal/retry"
	"github.com/andywolf/walletguard/internal/sandbox"
	"github.com/andywolf/walletguard/internal/storage"
)

const validScript = "import json\nprint(json.dumps({\"ok\": True}))"

// fakeGenerator answers every stage with a fixed reply unless a per-stage
// queue says otherwise.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string][]error
	texts   map[string][]string
	regens  []string // accumulated errors seen by Regenerate
	params  []llm.AnalysisParams
	history map[string]llm.ChatHistory
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		errs:    make(map[string][]error),
		texts:   make(map[string][]string),
		history: make(map[string]llm.ChatHistory),
	}
}

func (f *fakeGenerator) next(op string, live llm.ChatHistory, fallback string) (llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.history[op] = live

	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		if q[0] != nil {
			return llm.Reply{}, q[0]
		}
	}
	text := fallback
	if q := f.texts[op]; len(q) > 0 {
		text = q[0]
		f.texts[op] = q[1:]
	}
	return llm.Reply{
		Text: text,
		Delta: llm.NewChatHistory(
			llm.Message{Role: llm.RoleUser, Content: op + " instruction"},
			llm.Message{Role: llm.RoleAssistant, Content: text},
		),
		Model:        "fake-model",
		InputTokens:  10,
		OutputTokens: 5,
	}, nil
}

func (f *fakeGenerator) PrepareSystem(p llm.SystemParams) (llm.ChatHistory, error) {
	return llm.NewChatHistory(llm.Message{Role: llm.RoleSystem, Content: "system for " + p.MetricName}), nil
}

func (f *fakeGenerator) GenerateAnalysisFirst(_ context.Context, h llm.ChatHistory, _ llm.AnalysisFirstParams) (llm.Reply, error) {
	return f.next("analysis_first", h, validScript)
}

func (f *fakeGenerator) GenerateAnalysis(_ context.Context, h llm.ChatHistory, p llm.AnalysisParams) (llm.Reply, error) {
	f.mu.Lock()
	f.params = append(f.params, p)
	f.mu.Unlock()
	op := "analysis"
	if strings.HasPrefix(p.Notifications, "Research threat intelligence for: ") {
		op = "research"
	}
	return f.next(op, h, validScript)
}

func (f *fakeGenerator) GenerateStrategy(_ context.Context, h llm.ChatHistory, _ llm.StrategyParams) (llm.Reply, error) {
	return f.next("strategy", h, "Block the drainer and revoke approvals.")
}

func (f *fakeGenerator) GenerateRemediation(_ context.Context, h llm.ChatHistory, _ llm.RemediationParams) (llm.Reply, error) {
	return f.next("remediation", h, validScript)
}

func (f *fakeGenerator) Regenerate(_ context.Context, h llm.ChatHistory, errs, _ string) (llm.Reply, error) {
	f.mu.Lock()
	f.regens = append(f.regens, errs)
	f.mu.Unlock()
	return f.next("regenerate", h, validScript)
}

func (f *fakeGenerator) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	mu     sync.Mutex
	labels []string
	fail   map[string]int // label -> remaining failures
	output string
}

func (g *fakeGateway) Run(_ context.Context, script, label string) (sandbox.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.labels = append(g.labels, label)
	if g.fail[label] > 0 {
		g.fail[label]--
		return sandbox.Result{}, &sandbox.ExecutionError{Label: label, ExitCode: 1, Output: "Traceback: NameError in " + label}
	}
	out := g.output
	if out == "" {
		out = "output of " + label
	}
	return sandbox.Result{Label: label, Output: out}, nil
}

type recordingTracer struct {
	observability.NoOpTracer
	mu     sync.Mutex
	stages []string
	ends   []string
	gens   int
	events int
}

func (r *recordingTracer) StartStage(_ observability.CycleTrace, stage string, _ observability.StageOptions) observability.StageSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return observability.StageSpan{Stage: stage}
}

func (r *recordingTracer) RecordGeneration(observability.StageSpan, observability.GenerationInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens++
}

func (r *recordingTracer) RecordEvent(observability.StageSpan, string, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
}

func (r *recordingTracer) EndStage(span observability.StageSpan, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, span.Stage+":"+status)
}

func newTestPipeline(t *testing.T, gen llm.Generator, gw sandbox.Gateway, tracer observability.Tracer) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Generator: gen,
		Gateway:   gw,
		Tracer:    tracer,
		Logger:    log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return p
}

func testInput() Input {
	return Input{
		Role:        "security analyst",
		Network:     "solana",
		Time:        "24h",
		MetricName:  "security",
		APIs:        []string{"SolanaRPC"},
		StartMetric: `{"security_score":0.9}`,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Gateway: &fakeGateway{}})
	assert.Error(t, err)
	_, err = New(Config{Generator: newFakeGenerator()})
	assert.Error(t, err)
}

func TestRun_AllStagesSucceed(t *testing.T) {
	gen := newFakeGenerator()
	gw := &fakeGateway{}
	tracer := &recordingTracer{}
	p := newTestPipeline(t, gen, gw, tracer)

	res, err := p.Run(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, []string{LabelAnalysis, LabelResearch, LabelRemediation}, gw.labels)
	assert.Equal(t, 1, gen.callCount("analysis_first"))
	assert.Equal(t, 0, gen.callCount("regenerate"))

	assert.Equal(t, "output of "+LabelAnalysis, res.AnalysisOutput)
	assert.Equal(t, "Block the drainer and revoke approvals.", res.StrategyOutput)
	assert.Equal(t, "output of "+LabelResearch, res.ResearchOutput)
	assert.Equal(t, "output of "+LabelRemediation, res.RemediationOutput)
	assert.True(t, res.RemediationSucceeded)
	assert.NoError(t, res.RemediationErr)
	assert.Contains(t, res.RemediationCode, "import json")

	// system + 4 stage deltas in training, remediation skipped in live
	assert.Len(t, res.Training, 1+4*2)
	assert.Len(t, res.Live, 1+3*2)
	assert.Equal(t, "remediation instruction", res.Training[len(res.Training)-2].Content)
	assert.NotContains(t, res.Live.LatestInstruction(), "remediation")

	// Remediation sees the live history including research.
	assert.Equal(t, "research instruction", gen.history["remediation"].LatestInstruction())

	assert.Equal(t, 40, res.InputTokens)
	assert.Equal(t, 20, res.OutputTokens)

	assert.Equal(t, []string{StageAnalysis, StageStrategy, StageResearch, StageRemediation}, tracer.stages)
	assert.Equal(t, []string{"analysis:success", "strategy:success", "research:success", "remediation:success"}, tracer.ends)
	assert.Equal(t, 4, tracer.gens)
}

func TestRun_ContextualAnalysisWithPreviousStrategy(t *testing.T) {
	gen := newFakeGenerator()
	p := newTestPipeline(t, gen, &fakeGateway{}, nil)

	in := testInput()
	in.PrevStrategy = &storage.StrategyRecord{SummarizedDesc: "revoked approvals"}
	in.RAG = RAGContext{Summary: "rag summary", StartMetric: "rag start", EndMetric: "rag end"}

	_, err := p.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 0, gen.callCount("analysis_first"))
	require.Len(t, gen.params, 2)

	analysis := gen.params[0]
	assert.Equal(t, "Fresh", analysis.Notifications)
	assert.Equal(t, "revoked approvals", analysis.PrevAnalysis)
	assert.Equal(t, "rag summary", analysis.RAGSummary)
	assert.Equal(t, "rag start", analysis.BeforeMetricState)
	assert.Equal(t, "rag end", analysis.AfterMetricState)

	research := gen.params[1]
	assert.Equal(t, ResearchQuery("Block the drainer and revoke approvals."), research.Notifications)
	assert.Equal(t, "Threat intelligence research", research.PrevAnalysis)
	assert.Equal(t, "Researching known threat patterns and scammer addresses", research.RAGSummary)
	assert.Equal(t, in.StartMetric, research.BeforeMetricState)
	assert.Equal(t, in.StartMetric, research.AfterMetricState)
}

func TestRun_AnalysisExhaustionAborts(t *testing.T) {
	gen := newFakeGenerator()
	gw := &fakeGateway{fail: map[string]int{LabelAnalysis: 3}}
	tracer := &recordingTracer{}
	p := newTestPipeline(t, gen, gw, tracer)

	res, err := p.Run(context.Background(), testInput())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageAnalysis, stageErr.Stage)
	assert.ErrorIs(t, err, retry.ErrExhausted)

	var execErr *sandbox.ExecutionError
	assert.ErrorAs(t, err, &execErr)

	assert.Equal(t, []string{LabelAnalysis, LabelAnalysis, LabelAnalysis}, gw.labels)
	assert.Equal(t, 2, gen.callCount("regenerate"))
	require.Len(t, gen.regens, 2)
	assert.Equal(t, 1, strings.Count(gen.regens[0], "NameError"))
	assert.Equal(t, 2, strings.Count(gen.regens[1], "NameError"))

	assert.Empty(t, res.StrategyOutput)
	assert.Equal(t, []string{"analysis:failed"}, tracer.ends)
	assert.Equal(t, 2, tracer.events)
	// Every attempt's delta is kept.
	assert.Len(t, res.Training, 1+3*2)
}

func TestRun_StrategyRegeneratesEmptyAnswer(t *testing.T) {
	gen := newFakeGenerator()
	gen.texts["strategy"] = []string{"   "}
	gen.texts["regenerate"] = []string{"Quarantine the token account."}
	p := newTestPipeline(t, gen, &fakeGateway{}, nil)

	res, err := p.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "Quarantine the token account.", res.StrategyOutput)
	require.Len(t, gen.regens, 1)
	assert.Contains(t, gen.regens[0], errEmptyResponse.Error())
}

func TestRun_GenerationErrorFeedsRetry(t *testing.T) {
	gen := newFakeGenerator()
	gen.errs["research"] = []error{&llm.GenerationError{Op: "analysis", Err: errors.New("rate limited")}}
	gw := &fakeGateway{}
	p := newTestPipeline(t, gen, gw, nil)

	res, err := p.Run(context.Background(), testInput())
	require.NoError(t, err)
	require.Len(t, gen.regens, 1)
	assert.Contains(t, gen.regens[0], "rate limited")
	assert.Equal(t, "output of "+LabelResearch, res.ResearchOutput)
}

func TestRun_RemediationExhaustionContinues(t *testing.T) {
	gen := newFakeGenerator()
	gw := &fakeGateway{fail: map[string]int{LabelRemediation: 3}}
	p := newTestPipeline(t, gen, gw, nil)

	res, err := p.Run(context.Background(), testInput())
	require.NoError(t, err)

	assert.False(t, res.RemediationSucceeded)
	assert.ErrorIs(t, res.RemediationErr, retry.ErrExhausted)
	assert.Contains(t, res.RemediationOutput, "NameError")
	assert.Contains(t, res.RemediationCode, "import json")
	assert.NotEmpty(t, res.StrategyOutput)

	// 3 remediation attempts, none of them in the live history.
	assert.Len(t, res.Training, 1+3*2+3*2)
	assert.Len(t, res.Live, 1+3*2)
}

func TestRun_SanitizesOutput(t *testing.T) {
	gw := &fakeGateway{output: "rpc https://mainnet.helius-rpc.com/?api-key=abcdef1234567890"}
	p := newTestPipeline(t, newFakeGenerator(), gw, nil)

	res, err := p.Run(context.Background(), testInput())
	require.NoError(t, err)
	assert.NotContains(t, res.AnalysisOutput, "abcdef1234567890")
	assert.Contains(t, res.AnalysisOutput, "[REDACTED]")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &fakeGateway{}
	p := newTestPipeline(t, newFakeGenerator(), gw, nil)
	_, err := p.Run(ctx, testInput())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gw.labels)
}

func TestRunAnalysisOnly(t *testing.T) {
	gen := newFakeGenerator()
	gw := &fakeGateway{}
	p := newTestPipeline(t, gen, gw, nil)

	in := testInput()
	in.PrevStrategy = &storage.StrategyRecord{SummarizedDesc: "earlier"}
	res, err := p.RunAnalysisOnly(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{LabelUnassisted}, gw.labels)
	assert.Equal(t, "output of "+LabelUnassisted, res.AnalysisOutput)
	require.Len(t, gen.params, 1)
	assert.Equal(t, "Continuous monitoring", gen.params[0].Notifications)
	assert.Empty(t, res.StrategyOutput)
}

func TestResearchQuery(t *testing.T) {
	assert.Equal(t, "Research threat intelligence for: short plan...", ResearchQuery("short plan"))

	long := strings.Repeat("é", 250)
	got := ResearchQuery(long)
	assert.Equal(t, "Research threat intelligence for: "+strings.Repeat("é", 200)+"...", got)
}
