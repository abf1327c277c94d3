package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/walletguard/internal/llm"
)

// newTestStore opens a store in a temp dir with a clock that advances one
// second per call.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "walletguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestStrategies_RoundTripAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	latest, err := s.FetchLatestStrategy(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, err := s.InsertStrategyAndResult(ctx, "agent-1", StrategyInsert{
		SummarizedDesc: "watch approvals",
		FullDesc:       "watch approvals on all wallets",
		Parameters: map[string]any{
			"start_metric_state": `{"security_score":0.9}`,
			"threats_detected":   2,
		},
		Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := s.InsertStrategyAndResult(ctx, "agent-1", StrategyInsert{
		SummarizedDesc: "revoke drainer",
		Outcome:        OutcomeFailed,
	})
	require.NoError(t, err)

	_, err = s.InsertStrategyAndResult(ctx, "agent-2", StrategyInsert{SummarizedDesc: "other", Outcome: OutcomeSuccess})
	require.NoError(t, err)

	latest, err = s.FetchLatestStrategy(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, OutcomeFailed, latest.Outcome)
	assert.Empty(t, latest.Parameters)

	all, err := s.FetchAllStrategies(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)
	assert.Equal(t, `{"security_score":0.9}`, all[1].Param("start_metric_state"))
	// JSON numbers come back as float64.
	assert.Equal(t, float64(2), all[1].Parameters["threats_detected"])
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))
}

func TestInsertStrategy_InvalidOutcome(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertStrategyAndResult(context.Background(), "a", StrategyInsert{Outcome: "maybe"})
	assert.Error(t, err)
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSnapshot(ctx, Snapshot{ID: "ab12-sess-security", AgentID: "agent-1", Score: 90, Assets: "{}"}))
	require.NoError(t, s.InsertSnapshot(ctx, Snapshot{ID: "cd34ef56-sess-security", AgentID: "agent-1", Score: 75, Assets: "{}"}))
	assert.Error(t, s.InsertSnapshot(ctx, Snapshot{AgentID: "agent-1"}))

	snaps, err := s.Snapshots(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 90.0, snaps[0].Score)
	assert.Equal(t, 75.0, snaps[1].Score)
	assert.True(t, snaps[1].CapturedAt.After(snaps[0].CapturedAt))
}

func TestChatHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := llm.NewChatHistory(
		llm.Message{Role: llm.RoleSystem, Content: "sys"},
		llm.Message{Role: llm.RoleUser, Content: "analyze"},
		llm.Message{Role: llm.RoleAssistant, Content: "import os"},
	)
	require.NoError(t, s.InsertChatHistory(ctx, "sess-1", h))
	require.NoError(t, s.InsertChatHistory(ctx, "sess-2", h[:1]))

	got, err := s.ChatHistory(ctx, "sess-1")
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("ChatHistory() mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchLatestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insert := func(source, short, long string) {
		require.NoError(t, s.InsertNotification(ctx, Notification{Source: source, Short: short, Long: long}))
	}
	insert("blockchain_alerts", "old alert", "")
	insert("security_alerts", "phishing domain", "fake-jup.io")
	insert("blockchain_alerts", "large outflow", "wallet A sent 500 SOL")
	insert("community_reports", "drainer reported", "")
	insert("ignored_source", "noise", "")

	got, err := s.FetchLatestNotifications(ctx, []string{"blockchain_alerts", "security_alerts", "community_reports"}, 5)
	require.NoError(t, err)
	want := "[community_reports] drainer reported\n" +
		"[blockchain_alerts] large outflow: wallet A sent 500 SOL\n" +
		"[security_alerts] phishing domain: fake-jup.io"
	assert.Equal(t, want, got)

	got, err = s.FetchLatestNotifications(ctx, []string{"blockchain_alerts", "security_alerts", "community_reports"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "[community_reports] drainer reported\n[blockchain_alerts] large outflow: wallet A sent 500 SOL", got)

	got, err = s.FetchLatestNotifications(ctx, []string{"unknown"}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.FetchLatestNotifications(ctx, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecentNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertNotification(ctx, Notification{Source: "a", Short: "old", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.InsertNotification(ctx, Notification{Source: "b", Short: "new", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.InsertNotification(ctx, Notification{Source: "c", Short: "newest", CreatedAt: base.Add(2 * time.Minute)}))
	assert.Error(t, s.InsertNotification(ctx, Notification{Short: "no source"}))

	got, err := s.RecentNotifications(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].Short)
	assert.Equal(t, "new", got[1].Short)
}

func TestCycleCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.CycleCount(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddCycleCount(ctx, "sess", "agent"))
	}
	n, err = s.CycleCount(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
