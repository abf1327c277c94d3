// Package llm generates the scripts and plans of each security stage.
//
// A Generator renders a stage prompt, sends it together with the current
// live history to a Completer and returns the answer plus the chat delta
// (instruction and response) the caller appends to its histories.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// GenerationError wraps a failed model call.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Reply is the result of one generation.
type Reply struct {
	Text         string
	Delta        ChatHistory
	Model        string
	InputTokens  int
	OutputTokens int
}

// SystemParams fill the system prompt.
type SystemParams struct {
	Role        string
	Time        string
	MetricName  string
	Network     string
	MetricState string
}

// AnalysisFirstParams fill the analysis prompt used when no strategy exists.
type AnalysisFirstParams struct {
	APIs    []string
	Network string
}

// AnalysisParams fill the contextual analysis prompt.
type AnalysisParams struct {
	Notifications     string
	APIs              []string
	PrevAnalysis      string
	RAGSummary        string
	BeforeMetricState string
	AfterMetricState  string
}

// StrategyParams fill the strategy prompt.
type StrategyParams struct {
	AnalysisResults   string
	APIs              []string
	BeforeMetricState string
	Network           string
	Time              string
}

// RemediationParams fill the remediation prompt.
type RemediationParams struct {
	Strategy       string
	ResearchOutput string
	APIs           []string
	MetricState    string
	SecurityTools  []string
	MetaSwapAPIURL string
	Network        string
}

// Generator produces stage outputs. history is the caller's live context;
// it is sent to the model but never modified.
type Generator interface {
	PrepareSystem(p SystemParams) (ChatHistory, error)
	GenerateAnalysisFirst(ctx context.Context, history ChatHistory, p AnalysisFirstParams) (Reply, error)
	GenerateAnalysis(ctx context.Context, history ChatHistory, p AnalysisParams) (Reply, error)
	GenerateStrategy(ctx context.Context, history ChatHistory, p StrategyParams) (Reply, error)
	GenerateRemediation(ctx context.Context, history ChatHistory, p RemediationParams) (Reply, error)
	Regenerate(ctx context.Context, history ChatHistory, errs, latestResponse string) (Reply, error)
}

// PromptGenerator implements Generator with registry prompts and a Completer.
type PromptGenerator struct {
	completer Completer
	registry  *Registry
}

// NewPromptGenerator creates a generator.
func NewPromptGenerator(completer Completer, registry *Registry) *PromptGenerator {
	return &PromptGenerator{completer: completer, registry: registry}
}

// PrepareSystem renders the system prompt as a one-message history.
func (g *PromptGenerator) PrepareSystem(p SystemParams) (ChatHistory, error) {
	text, err := g.render(PromptSystem, map[string]string{
		"role":         p.Role,
		"time":         p.Time,
		"metric_name":  p.MetricName,
		"network":      p.Network,
		"metric_state": p.MetricState,
	})
	if err != nil {
		return nil, err
	}
	return NewChatHistory(Message{Role: RoleSystem, Content: text}), nil
}

func (g *PromptGenerator) GenerateAnalysisFirst(ctx context.Context, history ChatHistory, p AnalysisFirstParams) (Reply, error) {
	return g.generate(ctx, history, PromptAnalysisFirst, map[string]string{
		"apis":    joinList(p.APIs),
		"network": p.Network,
	})
}

func (g *PromptGenerator) GenerateAnalysis(ctx context.Context, history ChatHistory, p AnalysisParams) (Reply, error) {
	return g.generate(ctx, history, PromptAnalysis, map[string]string{
		"notifications":       p.Notifications,
		"apis":                joinList(p.APIs),
		"prev_analysis":       p.PrevAnalysis,
		"rag_summary":         p.RAGSummary,
		"before_metric_state": p.BeforeMetricState,
		"after_metric_state":  p.AfterMetricState,
	})
}

func (g *PromptGenerator) GenerateStrategy(ctx context.Context, history ChatHistory, p StrategyParams) (Reply, error) {
	return g.generate(ctx, history, PromptStrategy, map[string]string{
		"analysis_results":    p.AnalysisResults,
		"apis":                joinList(p.APIs),
		"before_metric_state": p.BeforeMetricState,
		"network":             p.Network,
		"time":                p.Time,
	})
}

func (g *PromptGenerator) GenerateRemediation(ctx context.Context, history ChatHistory, p RemediationParams) (Reply, error) {
	research := p.ResearchOutput
	if strings.TrimSpace(research) == "" {
		research = "No threat intelligence available"
	}
	return g.generate(ctx, history, PromptRemediation, map[string]string{
		"strategy":          p.Strategy,
		"research_output":   research,
		"apis":              joinList(p.APIs),
		"metric_state":      p.MetricState,
		"security_tools":    strings.Join(p.SecurityTools, ", "),
		"meta_swap_api_url": p.MetaSwapAPIURL,
		"network":           p.Network,
	})
}

// Regenerate asks the model to fix its latest response given the errors
// accumulated by the failed attempts.
func (g *PromptGenerator) Regenerate(ctx context.Context, history ChatHistory, errs, latestResponse string) (Reply, error) {
	return g.generate(ctx, history, PromptRegenerate, map[string]string{
		"errors":          strings.TrimSpace(errs),
		"latest_response": latestResponse,
	})
}

func (g *PromptGenerator) generate(ctx context.Context, history ChatHistory, prompt string, vars map[string]string) (Reply, error) {
	instruction, err := g.render(prompt, vars)
	if err != nil {
		return Reply{}, err
	}

	delta := NewChatHistory(Message{Role: RoleUser, Content: instruction})
	completion, err := g.completer.Complete(ctx, history.Append(delta))
	if err != nil {
		return Reply{}, &GenerationError{Op: prompt, Err: err}
	}

	delta = delta.Append(NewChatHistory(Message{Role: RoleAssistant, Content: completion.Text}))
	return Reply{
		Text:         completion.Text,
		Delta:        delta,
		Model:        completion.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}, nil
}

func (g *PromptGenerator) render(name string, vars map[string]string) (string, error) {
	tmpl, err := g.registry.Prompt(name)
	if err != nil {
		return "", &GenerationError{Op: name, Err: err}
	}
	return strings.TrimSpace(Render(tmpl, vars)), nil
}

func joinList(items []string) string {
	if len(items) == 0 {
		return "- none"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}

var _ Generator = (*PromptGenerator)(nil)
