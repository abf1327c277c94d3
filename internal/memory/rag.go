package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andywolf/walletguard/internal/storage"
)

// DefaultRAGURL is used when no service URL is configured.
const DefaultRAGURL = "http://localhost:8080"

// RAGClient talks to the retrieval service over HTTP.
type RAGClient struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
	topK       int
	signer     *TokenSigner
}

// RAGOption configures a RAGClient.
type RAGOption func(*RAGClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) RAGOption {
	return func(c *RAGClient) {
		c.httpClient = client
	}
}

// WithSigner authenticates requests with a bearer token from signer.
func WithSigner(signer *TokenSigner) RAGOption {
	return func(c *RAGClient) {
		c.signer = signer
	}
}

// WithTopK bounds the number of strategies requested.
func WithTopK(k int) RAGOption {
	return func(c *RAGClient) {
		if k > 0 {
			c.topK = k
		}
	}
}

// NewRAGClient creates a client for the service at baseURL.
func NewRAGClient(baseURL, agentID string, opts ...RAGOption) *RAGClient {
	if baseURL == "" {
		baseURL = DefaultRAGURL
	}
	c := &RAGClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentID:    agentID,
		topK:       DefaultTopK,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the service health endpoint.
func (c *RAGClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("RAG service unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RAG service health check failed (status %d)", resp.StatusCode)
	}
	return nil
}

type relevantRequest struct {
	AgentID string `json:"agent_id"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
}

type relevantResponse struct {
	Strategies []storage.StrategyRecord `json:"strategies"`
}

type saveBatchRequest struct {
	AgentID    string                   `json:"agent_id"`
	Strategies []storage.StrategyRecord `json:"strategies"`
}

// Relevant implements Retriever.
func (c *RAGClient) Relevant(ctx context.Context, query string) ([]storage.StrategyRecord, error) {
	var out relevantResponse
	if err := c.post(ctx, "/relevant_strategy_raw", relevantRequest{AgentID: c.agentID, Query: query, TopK: c.topK}, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// SaveBatch implements Retriever.
func (c *RAGClient) SaveBatch(ctx context.Context, records []storage.StrategyRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.post(ctx, "/save_result_batch", saveBatchRequest{AgentID: c.agentID, Strategies: records}, nil)
}

func (c *RAGClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		token, err := c.signer.Token(5 * time.Minute)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("RAG service error on %s (status %d): %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

var _ Retriever = (*RAGClient)(nil)
