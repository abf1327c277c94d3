package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply string
	err   error
	seen  []ChatHistory
}

func (f *fakeCompleter) Complete(_ context.Context, messages ChatHistory) (Completion, error) {
	f.seen = append(f.seen, messages)
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.reply, Model: "fake", InputTokens: 10, OutputTokens: 5}, nil
}

func newTestGenerator(t *testing.T, c Completer) *PromptGenerator {
	t.Helper()
	r, err := DefaultRegistry()
	require.NoError(t, err)
	return NewPromptGenerator(c, r)
}

func TestPromptGenerator_PrepareSystem(t *testing.T) {
	g := newTestGenerator(t, &fakeCompleter{})

	h, err := g.PrepareSystem(SystemParams{
		Role:        "security analyst",
		Time:        "24h",
		MetricName:  "security",
		Network:     "mainnet",
		MetricState: `{"score": 1}`,
	})
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, RoleSystem, h[0].Role)
	assert.Contains(t, h[0].Content, "security analyst")
	assert.Contains(t, h[0].Content, "mainnet")
	assert.NotContains(t, h[0].Content, "{{")
}

func TestPromptGenerator_DeltaAndHistory(t *testing.T) {
	fc := &fakeCompleter{reply: "```python\nimport os\n```"}
	g := newTestGenerator(t, fc)

	history := NewChatHistory(Message{Role: RoleSystem, Content: "sys"})
	reply, err := g.GenerateAnalysisFirst(context.Background(), history, AnalysisFirstParams{
		APIs:    []string{"Helius: tx history"},
		Network: "devnet",
	})
	require.NoError(t, err)

	assert.Equal(t, fc.reply, reply.Text)
	assert.Equal(t, "fake", reply.Model)
	assert.Equal(t, 10, reply.InputTokens)
	require.Len(t, reply.Delta, 2)
	assert.Equal(t, RoleUser, reply.Delta[0].Role)
	assert.Contains(t, reply.Delta[0].Content, "- Helius: tx history")
	assert.Contains(t, reply.Delta[0].Content, "devnet")
	if diff := cmp.Diff(Message{Role: RoleAssistant, Content: fc.reply}, reply.Delta[1]); diff != "" {
		t.Errorf("assistant message mismatch (-want +got):\n%s", diff)
	}

	// The completer saw history plus the instruction; history is untouched.
	require.Len(t, fc.seen, 1)
	assert.Len(t, fc.seen[0], 2)
	assert.Equal(t, "sys", fc.seen[0][0].Content)
	assert.Len(t, history, 1)
}

func TestPromptGenerator_RemediationDefaultsResearch(t *testing.T) {
	fc := &fakeCompleter{reply: "ok"}
	g := newTestGenerator(t, fc)

	reply, err := g.GenerateRemediation(context.Background(), nil, RemediationParams{
		Strategy:      "revoke approval",
		SecurityTools: []string{"quarantine", "block"},
	})
	require.NoError(t, err)
	instruction := reply.Delta.LatestInstruction()
	assert.Contains(t, instruction, "No threat intelligence available")
	assert.Contains(t, instruction, "quarantine, block")
	assert.Contains(t, instruction, "- none")
}

func TestPromptGenerator_Regenerate(t *testing.T) {
	fc := &fakeCompleter{reply: "fixed"}
	g := newTestGenerator(t, fc)

	reply, err := g.Regenerate(context.Background(), nil, "\nboom\nbang", "old script")
	require.NoError(t, err)
	instruction := reply.Delta.LatestInstruction()
	assert.Contains(t, instruction, "boom\nbang")
	assert.Contains(t, instruction, "old script")
}

func TestPromptGenerator_CompleterError(t *testing.T) {
	cause := errors.New("rate limited")
	g := newTestGenerator(t, &fakeCompleter{err: cause})

	_, err := g.GenerateStrategy(context.Background(), nil, StrategyParams{})
	require.Error(t, err)

	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, PromptStrategy, genErr.Op)
	assert.ErrorIs(t, err, cause)
}

func TestJoinList(t *testing.T) {
	assert.Equal(t, "- none", joinList(nil))
	assert.Equal(t, "- a\n- b", joinList([]string{"a", "b"}))
}

func TestModelSummarizer(t *testing.T) {
	fc := &fakeCompleter{reply: "  - short  \n"}
	r, err := DefaultRegistry()
	require.NoError(t, err)
	s := NewModelSummarizer(fc, r)

	got, err := s.Summarize(context.Background(), []string{"analysis", "strategy"})
	require.NoError(t, err)
	assert.Equal(t, "- short", got)
	require.Len(t, fc.seen, 1)
	assert.Contains(t, fc.seen[0].LatestInstruction(), "analysis\n\nstrategy")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdefgh", 5))
	assert.Equal(t, "ab", Truncate("abcdefgh", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "żó...", Truncate(strings.Repeat("żó", 10), 5))
}

func TestMockCompleter(t *testing.T) {
	m := NewMockCompleter()
	g := newTestGenerator(t, m)
	ctx := context.Background()

	analysis, err := g.GenerateAnalysisFirst(ctx, nil, AnalysisFirstParams{})
	require.NoError(t, err)
	assert.Contains(t, analysis.Text, "```python")

	strategy, err := g.GenerateStrategy(ctx, nil, StrategyParams{})
	require.NoError(t, err)
	assert.Equal(t, mockStrategy, strategy.Text)

	remediation, err := g.GenerateRemediation(ctx, nil, RemediationParams{Strategy: "x"})
	require.NoError(t, err)
	assert.Contains(t, remediation.Text, "quarantined")

	assert.Equal(t, 3, m.Calls())
}
