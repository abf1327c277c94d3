package sensor

import (
	"context"
	"sync"
	"time"
)

// MockSensor returns a slowly improving measurement each call. It is used
// when no RPC access is configured and in tests.
type MockSensor struct {
	mu      sync.Mutex
	wallets []string
	calls   int
	now     func() time.Time
}

// NewMockSensor creates a mock sensor for wallets.
func NewMockSensor(wallets []string) *MockSensor {
	return &MockSensor{wallets: wallets, now: time.Now}
}

// MetricFn implements Sensor.
func (m *MockSensor) MetricFn(name string) (MetricFunc, error) {
	if name != MetricSecurity {
		return nil, &UnknownMetricError{Name: name}
	}
	return m.measure, nil
}

func (m *MockSensor) measure(ctx context.Context) (MetricState, error) {
	if err := ctx.Err(); err != nil {
		return MetricState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	threats := 3 - m.calls
	if threats < 0 {
		threats = 0
	}
	quarantined := m.calls
	m.calls++

	state := MetricState{
		TotalThreatsDetected: threats,
		QuarantinedItems:     quarantined,
		SecurityScore:        scoreFor(threats),
		CapturedAt:           m.now(),
	}
	for _, addr := range m.wallets {
		state.Wallets = append(state.Wallets, WalletState{Address: addr, BalanceLamports: 1_000_000_000, RecentTxs: 5})
	}
	return state, nil
}

var _ Sensor = (*MockSensor)(nil)
