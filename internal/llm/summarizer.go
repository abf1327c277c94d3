package llm

import (
	"context"
	"strings"
)

// Summarizer condenses stage outputs for storage and retrieval.
type Summarizer interface {
	Summarize(ctx context.Context, parts []string) (string, error)
}

// defaultSummaryInput bounds the text sent to the model for a summary.
const defaultSummaryInput = 12000

// ModelSummarizer summarizes with the summarize prompt.
type ModelSummarizer struct {
	completer Completer
	registry  *Registry
	maxInput  int
}

// NewModelSummarizer creates a summarizer backed by completer.
func NewModelSummarizer(completer Completer, registry *Registry) *ModelSummarizer {
	return &ModelSummarizer{completer: completer, registry: registry, maxInput: defaultSummaryInput}
}

// Summarize implements Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, parts []string) (string, error) {
	tmpl, err := s.registry.Prompt(PromptSummarize)
	if err != nil {
		return "", &GenerationError{Op: PromptSummarize, Err: err}
	}

	text := Truncate(strings.Join(parts, "\n\n"), s.maxInput)
	instruction := strings.TrimSpace(Render(tmpl, map[string]string{"text": text}))

	completion, err := s.completer.Complete(ctx, NewChatHistory(Message{Role: RoleUser, Content: instruction}))
	if err != nil {
		return "", &GenerationError{Op: PromptSummarize, Err: err}
	}
	return strings.TrimSpace(completion.Text), nil
}

// Truncate shortens s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
