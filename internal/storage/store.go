// Package storage persists strategies, snapshots, chat histories and
// notifications for the security loop.
package storage

import (
	"context"
	"time"

	"github.com/andywolf/walletguard/internal/llm"
)

// Outcome of a completed cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// StrategyRecord is the immutable result of one completed cycle.
type StrategyRecord struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	SummarizedDesc string         `json:"summarized_desc"`
	FullDesc       string         `json:"full_desc"`
	Parameters     map[string]any `json:"parameters"`
	Outcome        Outcome        `json:"outcome"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Param returns a string parameter, or "" when missing.
func (r StrategyRecord) Param(key string) string {
	if v, ok := r.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// StrategyInsert carries the fields of a new strategy record.
type StrategyInsert struct {
	SummarizedDesc string
	FullDesc       string
	Parameters     map[string]any
	Outcome        Outcome
}

// Snapshot is a persisted metric measurement. Score is the security score
// scaled to 0..100.
type Snapshot struct {
	ID         string
	AgentID    string
	Score      float64
	Assets     string
	CapturedAt time.Time
}

// Notification is an external signal fed into the next cycle.
type Notification struct {
	ID        int64
	Source    string
	Short     string
	Long      string
	CreatedAt time.Time
}

// Store is the persistence surface used by the controller and monitor.
type Store interface {
	FetchLatestStrategy(ctx context.Context, agentID string) (*StrategyRecord, error)
	FetchAllStrategies(ctx context.Context, agentID string) ([]StrategyRecord, error)
	InsertStrategyAndResult(ctx context.Context, agentID string, in StrategyInsert) (StrategyRecord, error)
	InsertSnapshot(ctx context.Context, s Snapshot) error
	InsertChatHistory(ctx context.Context, sessionID string, history llm.ChatHistory) error
	FetchLatestNotifications(ctx context.Context, sources []string, limit int) (string, error)
	InsertNotification(ctx context.Context, n Notification) error
	RecentNotifications(ctx context.Context, since time.Time, limit int) ([]Notification, error)
	AddCycleCount(ctx context.Context, sessionID, agentID string) error
	Close() error
}
