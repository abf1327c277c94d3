// Package controller runs the security cycle loop: it gathers context,
// runs the stage pipeline, persists the outcome and sleeps until the next
// cycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/walletguard/internal/cloud/gcp"
	"github.com/andywolf/walletguard/internal/llm"
	"github.com/andywolf/walletguard/internal/memory"
	"github.com/andywolf/walletguard/internal/monitor"
	"github.com/andywolf/walletguard/internal/observability"
	"github.com/andywolf/walletguard/internal/pipeline"
	"github.com/andywolf/walletguard/internal/sensor"
	"github.com/andywolf/walletguard/internal/storage"
)

// Mode selects the cycle flow.
type Mode string

const (
	// ModeAssisted runs all four stages.
	ModeAssisted Mode = "assisted"
	// ModeUnassisted runs Analysis only.
	ModeUnassisted Mode = "unassisted"
)

const (
	DefaultCycleInterval = 900 * time.Second
	DefaultCooldown      = 60 * time.Second
	DefaultStatusEvery   = 10

	notificationLimit         = 5
	frontendNotificationLimit = 2

	unassistedFlowType = "unassisted_security_monitoring"
	codeSummaryRequest = "Summarize the security implementation code above in points"
)

var (
	ragEmpty = pipeline.RAGContext{
		Summary:     "No previous security strategies found...",
		StartMetric: "No previous security state available...",
		EndMetric:   "No previous security results available...",
	}
	ragFailed = pipeline.RAGContext{
		Summary:     "Error retrieving security strategies from RAG...",
		StartMetric: "Error retrieving previous security state...",
		EndMetric:   "Error retrieving previous security results...",
	}
	ragUnavailable = pipeline.RAGContext{
		Summary:     "Unable to retrieve a relevant security strategy from RAG handler...",
		StartMetric: "Unable to retrieve a relevant security strategy from RAG handler...",
		EndMetric:   "Unable to retrieve a relevant security strategy from RAG handler...",
	}
)

// Runner is the stage pipeline.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
	RunAnalysisOnly(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

// Monitor is the background intelligence monitor.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (monitor.Status, error)
}

// Sandbox is the script executor. Stop removes its long-lived container.
type Sandbox interface {
	IsHealthy() bool
	Stop(ctx context.Context)
}

// Config holds the cycle settings.
type Config struct {
	SessionID           string
	AgentID             string
	Mode                Mode
	Role                string
	Network             string
	TimeWindow          string
	MetricName          string
	APIs                []string
	SecurityTools       []string
	MetaSwapAPIURL      string
	NotificationSources []string
	FrontendContext     bool
	CycleInterval       time.Duration
	Cooldown            time.Duration
	StatusEvery         int
	MaxCycles           int // 0 runs until cancelled
}

// Deps are the collaborators of the loop. Monitor, Memory, Sandbox,
// Metadata and CloudLogger are optional.
type Deps struct {
	Store       storage.Store
	Pipeline    Runner
	Sensor      sensor.Sensor
	Summarizer  llm.Summarizer
	Memory      memory.Retriever
	Monitor     Monitor
	Sandbox     Sandbox
	Tracer      observability.Tracer
	CloudLogger gcp.Logger
	Metadata    gcp.MetadataUpdater
	Logger      *log.Logger

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller runs security cycles until its context ends.
type Controller struct {
	config      Config
	store       storage.Store
	pipeline    Runner
	sensor      sensor.Sensor
	summarizer  llm.Summarizer
	memory      memory.Retriever
	monitor     Monitor
	sandbox     Sandbox
	tracer      observability.Tracer
	cloudLogger gcp.Logger
	metadata    gcp.MetadataUpdater
	logger      *log.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	cycle          int
	monitorStarted bool
	shutdownOnce   sync.Once
	wg             sync.WaitGroup
}

// New validates the configuration and creates a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("controller: pipeline is required")
	}
	if deps.Sensor == nil {
		return nil, errors.New("controller: sensor is required")
	}
	if deps.Summarizer == nil {
		return nil, errors.New("controller: summarizer is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = fmt.Sprintf("security_session_%d", time.Now().Unix())
	}
	if cfg.AgentID == "" {
		return nil, errors.New("controller: agent ID is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAssisted
	}
	if cfg.MetricName == "" {
		cfg.MetricName = sensor.MetricSecurity
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = DefaultStatusEvery
	}

	c := &Controller{
		config:      cfg,
		store:       deps.Store,
		pipeline:    deps.Pipeline,
		sensor:      deps.Sensor,
		summarizer:  deps.Summarizer,
		memory:      deps.Memory,
		monitor:     deps.Monitor,
		sandbox:     deps.Sandbox,
		tracer:      deps.Tracer,
		cloudLogger: deps.CloudLogger,
		metadata:    deps.Metadata,
		logger:      deps.Logger,
		now:         deps.Now,
		sleep:       deps.Sleep,
	}
	if c.tracer == nil {
		c.tracer = &observability.NoOpTracer{}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "[controller] ", log.LstdFlags)
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c, nil
}

// logInfo logs at INFO level to both local logger and cloud logger
func (c *Controller) logInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s", msg)
	if c.cloudLogger != nil {
		c.cloudLogger.LogInfo(msg)
	}
}

// logWarning logs at WARNING level to both local logger and cloud logger
func (c *Controller) logWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("Warning: %s", msg)
	if c.cloudLogger != nil {
		c.cloudLogger.LogWarning(msg)
	}
}

// logError logs at ERROR level to both local logger and cloud logger
func (c *Controller) logError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("Error: %s", msg)
	if c.cloudLogger != nil {
		c.cloudLogger.LogError(msg)
	}
}

// Cycles returns the number of cycles started.
func (c *Controller) Cycles() int {
	return c.cycle
}

// Run executes cycles until ctx is cancelled, a shutdown signal arrives or
// MaxCycles is reached. Shutdown always runs before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stopSignals := c.watchSignals(ctx)
	defer stopSignals()
	defer c.gracefulShutdown()

	metricFn, err := c.sensor.MetricFn(c.config.MetricName)
	if err != nil {
		return fmt.Errorf("failed to get metric function: %w", err)
	}

	c.logInfo("Starting session %s", c.config.SessionID)
	c.logInfo("Agent: %s (mode %s, network %s)", c.config.AgentID, c.config.Mode, c.config.Network)
	c.logInfo("Cycle interval: %s", c.config.CycleInterval)

	c.startMonitor(ctx)

	healthCtx, stopHealth := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchHealth(healthCtx)
	}()
	defer func() {
		stopHealth()
		c.wg.Wait()
	}()

	c.preloadMemory(ctx)

	for {
		if ctx.Err() != nil {
			c.logInfo("Context cancelled, shutting down")
			return nil
		}

		// A signal never interrupts a running cycle: its stages and writes
		// finish on a detached context and shutdown is honored afterwards.
		err := c.runCycleSafe(context.WithoutCancel(ctx), metricFn)
		if ctx.Err() != nil {
			if err != nil {
				c.logError("Error in security cycle %d: %v", c.cycle, err)
			}
			c.logInfo("Shutdown requested, cycle %d finished", c.cycle)
			return nil
		}

		if c.config.MaxCycles > 0 && c.cycle >= c.config.MaxCycles {
			c.logInfo("Reached %d cycles, stopping", c.config.MaxCycles)
			return nil
		}

		wait := c.config.CycleInterval
		if err != nil {
			c.logError("Error in security cycle %d: %v", c.cycle, err)
			wait = c.config.Cooldown
		} else {
			c.logInfo("Waiting %s before next cycle...", wait)
		}
		if err := c.sleep(ctx, wait); err != nil {
			c.logInfo("Context cancelled, shutting down")
			return nil
		}
	}
}

// startMonitor starts the background monitor. A failure disables it for
// the session.
func (c *Controller) startMonitor(ctx context.Context) {
	if c.monitor == nil {
		c.logInfo("Background monitor disabled")
		return
	}
	if err := c.monitor.Start(ctx); err != nil {
		c.logWarning("Background monitor failed to start: %v", err)
		c.monitor = nil
		return
	}
	c.monitorStarted = true
	c.logInfo("Background monitor started")
}

// preloadMemory loads every stored strategy into the retriever.
func (c *Controller) preloadMemory(ctx context.Context) {
	if c.memory == nil {
		return
	}
	records, err := c.store.FetchAllStrategies(ctx, c.config.AgentID)
	if err != nil {
		c.logWarning("failed to fetch previous strategies: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := c.memory.SaveBatch(ctx, records); err != nil {
		c.logWarning("failed to preload %d strategies into memory: %v", len(records), err)
		return
	}
	c.logInfo("Preloaded %d previous strategies into memory", len(records))
}

// runCycleSafe converts a panic inside a cycle into an error.
func (c *Controller) runCycleSafe(ctx context.Context, metricFn sensor.MetricFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle %d: %v", c.cycle, r)
		}
	}()
	return c.runCycle(ctx, metricFn)
}

// runCycle runs one cycle. A stage that exhausts its attempts ends the
// cycle without persisting a strategy and is not an error.
func (c *Controller) runCycle(ctx context.Context, metricFn sensor.MetricFunc) error {
	c.cycle++
	if c.cloudLogger != nil {
		c.cloudLogger.SetCycle(c.cycle)
	}
	c.logInfo("Starting security cycle #%d", c.cycle)

	trace := c.tracer.StartCycle(fmt.Sprintf("%s-cycle-%d", c.config.SessionID, c.cycle), observability.CycleOptions{
		Cycle:      c.cycle,
		SessionID:  c.config.SessionID,
		AgentID:    c.config.AgentID,
		Network:    c.config.Network,
		Unassisted: c.config.Mode == ModeUnassisted,
	})

	start, err := metricFn(ctx)
	if err != nil {
		c.tracer.CompleteCycle(trace, observability.CompleteOptions{Status: "error"})
		return fmt.Errorf("failed to capture start metric state: %w", err)
	}
	if c.config.Mode == ModeAssisted {
		c.insertSnapshot(ctx, start, 4)
	}

	prev, err := c.store.FetchLatestStrategy(ctx, c.config.AgentID)
	if err != nil {
		c.tracer.CompleteCycle(trace, observability.CompleteOptions{Status: "error"})
		return fmt.Errorf("failed to fetch latest strategy: %w", err)
	}
	if prev != nil {
		c.logInfo("Using previous security strategy: %s", llm.Truncate(prev.SummarizedDesc, 100))
		if c.memory != nil {
			if err := c.memory.SaveBatch(ctx, []storage.StrategyRecord{*prev}); err != nil {
				c.logWarning("failed to save previous strategy to memory: %v", err)
			}
		}
	}

	notif := c.notifications(ctx)
	if notif != "" {
		c.logInfo("Processing notifications: %s", llm.Truncate(notif, 100))
	} else {
		c.logInfo("Processing notifications: No new notifications")
	}

	in := pipeline.Input{
		Role:           c.config.Role,
		Network:        c.config.Network,
		Time:           c.config.TimeWindow,
		MetricName:     c.config.MetricName,
		APIs:           c.config.APIs,
		SecurityTools:  c.config.SecurityTools,
		MetaSwapAPIURL: c.config.MetaSwapAPIURL,
		StartMetric:    start.String(),
		PrevStrategy:   prev,
		Notifications:  notif,
		Trace:          trace,
	}

	var status observability.CompleteOptions
	if c.config.Mode == ModeUnassisted {
		in.RAG = c.ragContext(ctx, notif, ragUnavailable, ragUnavailable)
		status, err = c.runUnassisted(ctx, metricFn, in, start)
	} else {
		in.RAG = c.ragContext(ctx, notif, ragEmpty, ragFailed)
		status, err = c.runAssisted(ctx, metricFn, in, start)
	}
	c.tracer.CompleteCycle(trace, status)
	if err != nil {
		return err
	}

	if err := c.store.AddCycleCount(ctx, c.config.SessionID, c.config.AgentID); err != nil {
		c.logWarning("failed to record cycle count: %v", err)
	}
	c.publishStatus(ctx, status)

	if c.cycle%c.config.StatusEvery == 0 {
		c.logStatus(ctx)
	}
	return nil
}

func (c *Controller) runAssisted(ctx context.Context, metricFn sensor.MetricFunc, in pipeline.Input, start sensor.MetricState) (observability.CompleteOptions, error) {
	res, err := c.pipeline.Run(ctx, in)
	status := observability.CompleteOptions{TotalInputTokens: res.InputTokens, TotalOutputTokens: res.OutputTokens}
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			c.logError("Cycle %d aborted: %v", c.cycle, err)
			status.Status = "aborted"
			return status, nil
		}
		status.Status = "error"
		return status, err
	}

	if err := c.store.InsertChatHistory(ctx, c.config.SessionID, res.Training); err != nil {
		c.logWarning("failed to store chat history: %v", err)
	}

	end, err := c.captureEnd(ctx, metricFn, start)
	if err != nil {
		status.Status = "error"
		return status, err
	}
	c.insertSnapshot(ctx, end, 8)

	outcome := storage.OutcomeFailed
	if res.RemediationSucceeded {
		outcome = storage.OutcomeSuccess
	}
	summarizedCode := c.summarize(ctx, res.RemediationCode, codeSummaryRequest)
	summarizedDesc := c.summarize(ctx, res.StrategyOutput)

	params := map[string]any{
		"apis":                    c.config.APIs,
		"security_tools":          c.config.SecurityTools,
		"metric_name":             c.config.MetricName,
		"start_metric_state":      start.String(),
		"end_metric_state":        end.String(),
		"summarized_state_change": stateChange(start, end),
		"summarized_code":         summarizedCode,
		"code_output":             res.RemediationOutput,
		"prev_strat":              prevSummary(in.PrevStrategy),
		"security_score":          end.SecurityScore,
		"threats_detected":        end.TotalThreatsDetected,
		"notif_str":               in.Notifications,
		"outcome":                 string(outcome),
	}
	if _, err := c.store.InsertStrategyAndResult(ctx, c.config.AgentID, storage.StrategyInsert{
		SummarizedDesc: summarizedDesc,
		FullDesc:       res.StrategyOutput,
		Parameters:     params,
		Outcome:        outcome,
	}); err != nil {
		status.Status = "error"
		return status, fmt.Errorf("failed to save strategy: %w", err)
	}
	c.logInfo("Saved security strategy (outcome %s), preparing for next cycle", outcome)

	status.Status = string(outcome)
	status.SecurityScore = end.SecurityScore
	status.ThreatsDetected = end.TotalThreatsDetected
	return status, nil
}

func (c *Controller) runUnassisted(ctx context.Context, metricFn sensor.MetricFunc, in pipeline.Input, start sensor.MetricState) (observability.CompleteOptions, error) {
	res, err := c.pipeline.RunAnalysisOnly(ctx, in)
	status := observability.CompleteOptions{TotalInputTokens: res.InputTokens, TotalOutputTokens: res.OutputTokens}
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			c.logError("Cycle %d aborted: %v", c.cycle, err)
			status.Status = "aborted"
			return status, nil
		}
		status.Status = "error"
		return status, err
	}

	end, err := c.captureEnd(ctx, metricFn, start)
	if err != nil {
		status.Status = "error"
		return status, err
	}

	params := map[string]any{
		"apis":               c.config.APIs,
		"security_tools":     c.config.SecurityTools,
		"metric_name":        c.config.MetricName,
		"start_metric_state": start.String(),
		"end_metric_state":   end.String(),
		"code_output":        res.AnalysisOutput,
		"prev_strat":         prevSummary(in.PrevStrategy),
		"notif_str":          in.Notifications,
		"flow_type":          unassistedFlowType,
		"outcome":            string(storage.OutcomeSuccess),
	}
	if _, err := c.store.InsertStrategyAndResult(ctx, c.config.AgentID, storage.StrategyInsert{
		SummarizedDesc: c.summarize(ctx, res.AnalysisOutput),
		FullDesc:       res.AnalysisCode,
		Parameters:     params,
		Outcome:        storage.OutcomeSuccess,
	}); err != nil {
		status.Status = "error"
		return status, fmt.Errorf("failed to save monitoring result: %w", err)
	}
	c.logInfo("Saved unassisted security monitoring result")

	status.Status = string(storage.OutcomeSuccess)
	status.SecurityScore = end.SecurityScore
	status.ThreatsDetected = end.TotalThreatsDetected
	return status, nil
}

// notifications merges the latest stored notifications with the monitor's
// threat summary.
func (c *Controller) notifications(ctx context.Context) string {
	limit := notificationLimit
	if c.config.FrontendContext {
		limit = frontendNotificationLimit
	}
	notif, err := c.store.FetchLatestNotifications(ctx, c.config.NotificationSources, limit)
	if err != nil {
		c.logWarning("failed to fetch notifications: %v", err)
		notif = ""
	}

	if c.monitor == nil {
		return notif
	}
	st, err := c.monitor.Status(ctx)
	if err != nil {
		c.logWarning("failed to get background intelligence: %v", err)
		return notif
	}
	if st.ThreatsDiscovered == 0 {
		return notif
	}

	summary := fmt.Sprintf("Background Monitor Alert: %d new threats detected. Tracking %d blacklisted wallets. Last update: %s",
		st.ThreatsDiscovered, st.BlacklistedWallets, st.LastUpdate.Format(time.RFC3339))
	c.logInfo("Enhanced notifications with background intelligence")
	if notif == "" {
		return summary
	}
	return summary + "\n\nOther notifications: " + notif
}

// ragContext looks up the most relevant past strategy for notif.
func (c *Controller) ragContext(ctx context.Context, notif string, empty, failed pipeline.RAGContext) pipeline.RAGContext {
	if notif == "" || c.memory == nil {
		c.logInfo("Skipping memory lookup: no notifications")
		return empty
	}
	records, err := c.memory.Relevant(ctx, notif)
	if err != nil {
		c.logWarning("failed to retrieve relevant strategies: %v", err)
		return failed
	}
	if len(records) == 0 {
		return empty
	}
	best := records[0]
	c.logInfo("Using related strategy %s", best.ID)
	return pipeline.RAGContext{
		Summary:     best.SummarizedDesc,
		StartMetric: best.Param("start_metric_state"),
		EndMetric:   best.Param("end_metric_state"),
	}
}

// captureEnd measures the end state. Its timestamp is strictly after the
// start state's.
func (c *Controller) captureEnd(ctx context.Context, metricFn sensor.MetricFunc, start sensor.MetricState) (sensor.MetricState, error) {
	end, err := metricFn(ctx)
	if err != nil {
		return sensor.MetricState{}, fmt.Errorf("failed to capture end metric state: %w", err)
	}
	if !end.CapturedAt.After(start.CapturedAt) {
		end.CapturedAt = start.CapturedAt.Add(time.Nanosecond)
		if now := c.now(); now.After(end.CapturedAt) {
			end.CapturedAt = now
		}
	}
	return end, nil
}

func (c *Controller) insertSnapshot(ctx context.Context, state sensor.MetricState, idLen int) {
	snap := storage.Snapshot{
		ID:         fmt.Sprintf("%s-%s-%s", randomID(idLen), c.config.SessionID, c.config.MetricName),
		AgentID:    c.config.AgentID,
		Score:      state.SecurityScore * 100,
		Assets:     state.String(),
		CapturedAt: state.CapturedAt,
	}
	if err := c.store.InsertSnapshot(ctx, snap); err != nil {
		c.logWarning("failed to store snapshot: %v", err)
	}
}

// summarize falls back to a truncated copy of the input when the model
// cannot summarize.
func (c *Controller) summarize(ctx context.Context, parts ...string) string {
	if strings.TrimSpace(parts[0]) == "" {
		return ""
	}
	summary, err := c.summarizer.Summarize(ctx, parts)
	if err != nil || summary == "" {
		c.logWarning("summarization failed, storing truncated text: %v", err)
		return llm.Truncate(parts[0], 500)
	}
	return summary
}

func (c *Controller) publishStatus(ctx context.Context, status observability.CompleteOptions) {
	if c.metadata == nil {
		return
	}
	meta := gcp.CycleStatusMetadata{
		SessionID:       c.config.SessionID,
		Cycle:           c.cycle,
		LastOutcome:     status.Status,
		SecurityScore:   status.SecurityScore,
		ThreatsDetected: status.ThreatsDetected,
		UpdatedAt:       c.now().UTC().Format(time.RFC3339),
	}
	if c.monitor != nil {
		if st, err := c.monitor.Status(ctx); err == nil {
			meta.MonitorThreats = st.ThreatsDiscovered
			meta.BlacklistedWallets = st.BlacklistedWallets
			meta.MonitorRunning = st.Running
		}
	}
	if c.sandbox != nil {
		meta.SandboxReady = c.sandbox.IsHealthy()
	}
	if err := c.metadata.UpdateStatus(ctx, meta); err != nil {
		c.logWarning("failed to publish cycle status: %v", err)
	}
}

// logStatus writes the periodic status lines: monitor counters and the
// health of the services the loop depends on.
func (c *Controller) logStatus(ctx context.Context) {
	if c.monitor != nil {
		st, err := c.monitor.Status(ctx)
		if err != nil {
			c.logWarning("Error getting monitor status: %v", err)
		} else {
			c.logInfo("Background monitor status: threats discovered %d, wallets tracked %d, social media scans %d, database updates %d",
				st.ThreatsDiscovered, st.BlacklistedWallets, st.SocialMediaScans, st.DatabaseUpdates)
		}
	}
	c.logInfo("Loop health after %d cycles: %s", c.cycle, c.checkHealth(ctx))
}

func stateChange(start, end sensor.MetricState) string {
	return fmt.Sprintf(`Security Status Before: %s
Security Score Before: %.2f
Security Status After: %s
Security Score After: %.2f
Threats Detected: %d
Items Quarantined: %d`,
		start.String(), start.SecurityScore, end.String(), end.SecurityScore,
		end.TotalThreatsDetected, end.QuarantinedItems)
}

func prevSummary(prev *storage.StrategyRecord) string {
	if prev == nil {
		return ""
	}
	return prev.SummarizedDesc
}

func randomID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
