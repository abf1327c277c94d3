package observability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL  = "https://cloud.langfuse.com"
	ingestionPath   = "/api/public/ingestion"
	flushInterval   = 5 * time.Second
	maxBatchSize    = 50
	eventBufferSize = 1024
	retryDelay      = 500 * time.Millisecond

	// maxOutputChars caps generation output sent to Langfuse.
	maxOutputChars = 4000
)

// LangfuseConfig holds Langfuse connection parameters.
type LangfuseConfig struct {
	PublicKey string
	SecretKey string
	BaseURL   string // Defaults to https://cloud.langfuse.com
}

// LangfuseTracer sends cycle traces to the Langfuse ingestion API. Events
// are buffered and sent in batches by a background goroutine, or on Flush.
type LangfuseTracer struct {
	config     LangfuseConfig
	authHeader string
	client     *http.Client
	events     chan ingestionEvent
	logger     *log.Logger
	now        func() time.Time

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	flushMu  sync.Mutex
}

// NewLangfuseTracer creates a tracer and starts its flush loop. Call Stop
// to send what is still buffered.
func NewLangfuseTracer(cfg LangfuseConfig, logger *log.Logger) *LangfuseTracer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	auth := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	t := &LangfuseTracer{
		config:     cfg,
		authHeader: "Basic " + auth,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan ingestionEvent, eventBufferSize),
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.flushLoop()
	return t
}

func (t *LangfuseTracer) timestamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

// StartCycle creates a trace named "security-cycle".
func (t *LangfuseTracer) StartCycle(cycleID string, opts CycleOptions) CycleTrace {
	t.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id":        cycleID,
			"name":      "security-cycle",
			"sessionId": opts.SessionID,
			"userId":    opts.AgentID,
			"metadata": map[string]interface{}{
				"cycle":      opts.Cycle,
				"network":    opts.Network,
				"unassisted": opts.Unassisted,
			},
			"timestamp": t.timestamp(),
		},
	})
	return CycleTrace{TraceID: cycleID, Cycle: opts.Cycle}
}

// StartStage opens a span for a pipeline stage.
func (t *LangfuseTracer) StartStage(trace CycleTrace, stage string, opts StageOptions) StageSpan {
	spanID := uuid.New().String()

	metadata := map[string]interface{}{
		"max_attempts": opts.MaxAttempts,
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	t.enqueue(ingestionEvent{
		Type: "span-create",
		Body: map[string]interface{}{
			"id":        spanID,
			"traceId":   trace.TraceID,
			"name":      stage,
			"metadata":  metadata,
			"startTime": t.timestamp(),
		},
	})
	return StageSpan{SpanID: spanID, Stage: stage, TraceID: trace.TraceID}
}

// RecordGeneration records one model call under the stage span.
func (t *LangfuseTracer) RecordGeneration(span StageSpan, gen GenerationInput) {
	level := "DEFAULT"
	if gen.Status == "error" {
		level = "ERROR"
	}
	t.enqueue(ingestionEvent{
		Type: "generation-create",
		Body: map[string]interface{}{
			"id":                  uuid.New().String(),
			"traceId":             span.TraceID,
			"parentObservationId": span.SpanID,
			"name":                span.Stage + "-" + gen.Name,
			"model":               gen.Model,
			"output":              clip(gen.Output, maxOutputChars),
			"level":               level,
			"usage": map[string]interface{}{
				"input":  gen.InputTokens,
				"output": gen.OutputTokens,
			},
			"metadata": map[string]interface{}{
				"attempt":    gen.Attempt,
				"status":     gen.Status,
				"elapsed_ms": gen.Elapsed.Milliseconds(),
			},
			"startTime": t.now().Add(-gen.Elapsed).UTC().Format(time.RFC3339Nano),
			"endTime":   t.timestamp(),
		},
	})
}

// RecordEvent records a point event such as a regeneration or a skipped
// step.
func (t *LangfuseTracer) RecordEvent(span StageSpan, name string, metadata map[string]string) {
	body := map[string]interface{}{
		"id":        uuid.New().String(),
		"traceId":   span.TraceID,
		"name":      name,
		"metadata":  metadata,
		"startTime": t.timestamp(),
	}
	if span.SpanID != "" {
		body["parentObservationId"] = span.SpanID
	}
	t.enqueue(ingestionEvent{Type: "event-create", Body: body})
}

// EndStage closes a stage span.
func (t *LangfuseTracer) EndStage(span StageSpan, status string, elapsed time.Duration) {
	t.enqueue(ingestionEvent{
		Type: "span-update",
		Body: map[string]interface{}{
			"id":      span.SpanID,
			"traceId": span.TraceID,
			"metadata": map[string]interface{}{
				"status":     status,
				"elapsed_ms": elapsed.Milliseconds(),
			},
			"endTime": t.timestamp(),
		},
	})
}

// CompleteCycle updates the trace with the cycle result. Langfuse upserts
// traces by id, so this is another trace-create.
func (t *LangfuseTracer) CompleteCycle(trace CycleTrace, opts CompleteOptions) {
	t.enqueue(ingestionEvent{
		Type: "trace-create",
		Body: map[string]interface{}{
			"id": trace.TraceID,
			"tags": []string{
				opts.Status,
			},
			"output": map[string]interface{}{
				"status":           opts.Status,
				"security_score":   strconv.FormatFloat(opts.SecurityScore, 'f', 2, 64),
				"threats_detected": opts.ThreatsDetected,
			},
			"metadata": map[string]interface{}{
				"total_input_tokens":  opts.TotalInputTokens,
				"total_output_tokens": opts.TotalOutputTokens,
			},
		},
	})
}

// Flush sends all buffered events and waits for the result.
func (t *LangfuseTracer) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	batch := t.drain(0)
	if len(batch) == 0 {
		return nil
	}
	if err := t.sendBatchWithRetry(ctx, batch); err != nil {
		return fmt.Errorf("langfuse flush: %w", err)
	}
	return nil
}

// enqueue drops the event with a warning when the buffer is full.
func (t *LangfuseTracer) enqueue(evt ingestionEvent) {
	evt.ID = uuid.New().String()
	evt.Timestamp = t.timestamp()

	select {
	case t.events <- evt:
	default:
		t.logger.Printf("Warning: Langfuse event buffer full, dropping event: %s", evt.Type)
	}
}

// drain takes buffered events without blocking. limit <= 0 takes all.
func (t *LangfuseTracer) drain(limit int) []ingestionEvent {
	var batch []ingestionEvent
	for limit <= 0 || len(batch) < limit {
		select {
		case evt := <-t.events:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
	return batch
}

func (t *LangfuseTracer) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.drainAndSend()
			return
		case <-ticker.C:
			t.drainAndSend()
		}
	}
}

func (t *LangfuseTracer) drainAndSend() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		batch := t.drain(maxBatchSize)
		if len(batch) == 0 {
			return
		}
		if err := t.sendBatchWithRetry(ctx, batch); err != nil {
			t.logger.Printf("Warning: Langfuse batch send failed: %v", err)
		}
	}
}

// sendBatchWithRetry retries once after retryDelay, unless ctx ends first.
func (t *LangfuseTracer) sendBatchWithRetry(ctx context.Context, batch []ingestionEvent) error {
	err := t.sendBatch(ctx, batch)
	if err == nil {
		return nil
	}
	t.logger.Printf("Warning: Langfuse batch send failed, retrying: %v", err)

	timer := time.NewTimer(retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return t.sendBatch(ctx, batch)
}

func (t *LangfuseTracer) sendBatch(ctx context.Context, batch []ingestionEvent) error {
	result, err := t.post(ctx, ingestionPayload{Batch: batch})
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.logger.Printf("Warning: Langfuse: event %s rejected (status=%d): %s", e.ID, e.Status, e.Message)
	}
	return nil
}

func (t *LangfuseTracer) post(ctx context.Context, payload ingestionPayload) (ingestionResponse, error) {
	var result ingestionResponse

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.authHeader)

	resp, err := t.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("langfuse API returned %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.logger.Printf("Warning: Langfuse: could not parse response body: %v", err)
	}
	return result, nil
}

// Stop ends the flush loop and sends what remains. Later calls only flush.
func (t *LangfuseTracer) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return t.Flush(ctx)
}

// Ping sends a single connectivity trace and fails if it is rejected.
func (t *LangfuseTracer) Ping(ctx context.Context) error {
	evt := ingestionEvent{
		ID:        uuid.New().String(),
		Type:      "trace-create",
		Timestamp: t.timestamp(),
		Body: map[string]interface{}{
			"id":   "walletguard-ping-" + uuid.New().String(),
			"name": "walletguard-connectivity-test",
		},
	}
	result, err := t.post(ctx, ingestionPayload{Batch: []ingestionEvent{evt}})
	if err != nil {
		return fmt.Errorf("langfuse ping: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("ping event rejected: %s", result.Errors[0].Message)
	}
	return nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

type ingestionEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Body      map[string]interface{} `json:"body"`
}

type ingestionPayload struct {
	Batch []ingestionEvent `json:"batch"`
}

type ingestionResponse struct {
	Successes []ingestionResult `json:"successes"`
	Errors    []ingestionResult `json:"errors"`
}

type ingestionResult struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}
