package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSignatureLimit = 20

// SolanaSensor measures wallets through Solana JSON-RPC.
type SolanaSensor struct {
	wallets    []string
	rpcURL     string
	httpClient *http.Client
	sigLimit   int
	now        func() time.Time
}

// NewSolanaSensor creates a sensor for wallets against rpcURL.
func NewSolanaSensor(rpcURL string, wallets []string, httpClient *http.Client) *SolanaSensor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &SolanaSensor{
		wallets:    wallets,
		rpcURL:     rpcURL,
		httpClient: httpClient,
		sigLimit:   defaultSignatureLimit,
		now:        time.Now,
	}
}

// MetricFn implements Sensor.
func (s *SolanaSensor) MetricFn(name string) (MetricFunc, error) {
	if name != MetricSecurity {
		return nil, &UnknownMetricError{Name: name}
	}
	return s.measure, nil
}

// measure never fails for a single wallet; RPC errors are recorded on the
// wallet and it is left out of the score.
func (s *SolanaSensor) measure(ctx context.Context) (MetricState, error) {
	state := MetricState{Wallets: make([]WalletState, 0, len(s.wallets))}
	for _, addr := range s.wallets {
		if err := ctx.Err(); err != nil {
			return MetricState{}, err
		}
		ws := WalletState{Address: addr}

		balance, err := s.balance(ctx, addr)
		if err != nil {
			ws.Error = err.Error()
			state.Wallets = append(state.Wallets, ws)
			continue
		}
		ws.BalanceLamports = balance

		sigs, err := s.signatures(ctx, addr)
		if err != nil {
			ws.Error = err.Error()
		}
		ws.RecentTxs = len(sigs)
		for _, sig := range sigs {
			if sig.Err != nil {
				ws.FailedTxs++
			}
		}
		state.TotalThreatsDetected += ws.FailedTxs
		state.Wallets = append(state.Wallets, ws)
	}
	state.SecurityScore = scoreFor(state.TotalThreatsDetected)
	state.CapturedAt = s.now()
	return state, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

func (s *SolanaSensor) balance(ctx context.Context, addr string) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := s.call(ctx, "getBalance", []any{addr}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (s *SolanaSensor) signatures(ctx context.Context, addr string) ([]signatureInfo, error) {
	var raw []signatureInfo
	if err := s.call(ctx, "getSignaturesForAddress", []any{addr, map[string]int{"limit": s.sigLimit}}, &raw); err != nil {
		return nil, err
	}
	// A JSON null err means the transaction succeeded.
	for i := range raw {
		if string(raw[i].Err) == "null" {
			raw[i].Err = nil
		}
	}
	return raw, nil
}

func (s *SolanaSensor) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed (status %d)", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

var _ Sensor = (*SolanaSensor)(nil)
