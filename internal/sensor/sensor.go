// Package sensor measures the security posture of the monitored wallets.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MetricSecurity is the only metric the loop optimizes.
const MetricSecurity = "security"

// WalletState is the per-wallet part of a measurement.
type WalletState struct {
	Address         string `json:"address"`
	BalanceLamports uint64 `json:"balance_lamports"`
	RecentTxs       int    `json:"recent_txs"`
	FailedTxs       int    `json:"failed_txs"`
	Error           string `json:"error,omitempty"`
}

// MetricState is a point-in-time measurement.
type MetricState struct {
	SecurityScore        float64       `json:"security_score"`
	TotalThreatsDetected int           `json:"total_threats_detected"`
	QuarantinedItems     int           `json:"quarantined_items"`
	Wallets              []WalletState `json:"wallets,omitempty"`
	CapturedAt           time.Time     `json:"captured_at"`
}

// String renders the state as compact JSON for prompts and storage.
func (m MetricState) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("security_score=%.2f threats=%d quarantined=%d", m.SecurityScore, m.TotalThreatsDetected, m.QuarantinedItems)
	}
	return string(b)
}

// MetricFunc captures one measurement.
type MetricFunc func(ctx context.Context) (MetricState, error)

// Sensor hands out metric functions by name.
type Sensor interface {
	MetricFn(name string) (MetricFunc, error)
}

// UnknownMetricError is returned for metrics a sensor does not provide.
type UnknownMetricError struct {
	Name string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric %q", e.Name)
}

// scoreFor maps a threat count to a score in [0,1].
func scoreFor(threats int) float64 {
	score := 1 - 0.05*float64(threats)
	if score < 0 {
		return 0
	}
	return score
}
