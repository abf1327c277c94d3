package llm

import (
	"context"
	"strings"
	"sync"
)

// MockCompleter returns canned answers shaped like real model output. It
// lets the loop run end to end without a provider key.
type MockCompleter struct {
	mu    sync.Mutex
	calls int
}

// NewMockCompleter creates a mock completer.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

// Calls returns the number of completions served.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, messages ChatHistory) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	instruction := messages.LatestInstruction()
	var text string
	switch {
	case strings.Contains(instruction, "Summarize the following"):
		text = "- Checked monitored wallets\n- No funds moved"
	case strings.Contains(instruction, "Implement this protection strategy"):
		text = mockRemediation
	case strings.Contains(instruction, "Write a concise protection strategy"):
		text = mockStrategy
	case strings.Contains(instruction, "previous attempt failed") && strings.Contains(instruction, "quarantined"):
		text = mockRemediation
	default:
		text = mockAnalysis
	}

	return Completion{
		Text:         text,
		Model:        "mock",
		InputTokens:  len(strings.Fields(instruction)),
		OutputTokens: len(strings.Fields(text)),
	}, nil
}

const mockAnalysis = "Here is the analysis script:\n```python\n" + `import json
import os

wallets = [v for k, v in sorted(os.environ.items()) if k.startswith("MONITOR_WALLET_")]
print(json.dumps({"wallets_checked": len(wallets), "suspicious": []}))
` + "```"

const mockStrategy = "No confirmed threats. Keep monitoring approvals and flag any new counterparty from the notifications."

const mockRemediation = "```python\n" + `import json

print(json.dumps({"quarantined": [], "blocked": [], "note": "no action required"}))
` + "```"

var _ Completer = (*MockCompleter)(nil)
