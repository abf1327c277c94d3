package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/andywolf/walletguard/internal/cloud/gcp"
	"github.com/andywolf/walletguard/internal/config"
	"github.com/andywolf/walletguard/internal/controller"
	"github.com/andywolf/walletguard/internal/llm"
	"github.com/andywolf/walletguard/internal/memory"
	"github.com/andywolf/walletguard/internal/monitor"
	"github.com/andywolf/walletguard/internal/observability"
	"github.com/andywolf/walletguard/internal/pipeline"
	"github.com/andywolf/walletguard/internal/sandbox"
	"github.com/andywolf/walletguard/internal/security"
	"github.com/andywolf/walletguard/internal/sensor"
	"github.com/andywolf/walletguard/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the security cycle loop",
	Long: `Run security cycles until interrupted.

The loop measures the monitored wallets (MONITOR_WALLET_* variables), runs the
four-stage pipeline and stores every outcome in SQLite. SIGINT or SIGTERM
finishes the running step and shuts down cleanly.

Example:
  walletguard run --services solana-rpc --max-cycles 3
  walletguard run --mock --interval 30s`,
	RunE: runLoop,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSlice("services", nil, "Services the generated scripts may use")
	runCmd.Flags().StringSlice("security-tools", nil, "Security tools offered to the remediation stage")
	runCmd.Flags().String("mode", "", "Cycle mode: assisted (default) or unassisted")
	runCmd.Flags().Duration("interval", 0, "Time between cycles (default 15m)")
	runCmd.Flags().Int("max-cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
	runCmd.Flags().String("model", "", "Model name")
	runCmd.Flags().String("db", "", "SQLite database path")
	runCmd.Flags().Bool("monitor", false, "Enable the background intelligence monitor")
	runCmd.Flags().Bool("mock", false, "Use canned model replies and simulated wallet data")

	_ = viper.BindPFlag("agent.services", runCmd.Flags().Lookup("services"))
	_ = viper.BindPFlag("agent.security_tools", runCmd.Flags().Lookup("security-tools"))
	_ = viper.BindPFlag("cycle.mode", runCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("cycle.interval", runCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("cycle.max_cycles", runCmd.Flags().Lookup("max-cycles"))
	_ = viper.BindPFlag("llm.model", runCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("storage.sqlite_path", runCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("monitor.enabled", runCmd.Flags().Lookup("monitor"))
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	mock, _ := cmd.Flags().GetBool("mock")

	sessionID := fmt.Sprintf("security_session_%d", time.Now().Unix())
	agentID := cfg.AgentID()
	logger := log.New(os.Stdout, "[walletguard] ", log.LstdFlags)
	sanitizer := security.NewLogSanitizer()

	cloudLogger := gcp.NewLogger(ctx, gcp.LoggerConfig{
		ProjectID: cfg.Cloud.Project,
		LogID:     cfg.Cloud.LogID,
		SessionID: sessionID,
		AgentID:   agentID,
	})
	// Controller shutdown owns every client once Run starts. Until then the
	// deferred closers below release them.
	handedOff := false
	defer func() {
		if !handedOff {
			_ = cloudLogger.Close()
		}
	}()

	registry, err := llm.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("failed to load prompt registry: %w", err)
	}
	apis, err := registry.ServicesToPrompts(cfg.Agent.Services)
	if err != nil {
		return err
	}
	serviceEnv, err := registry.ServicesToEnvs(cfg.Agent.Services, os.Getenv)
	if err != nil {
		return err
	}
	for _, v := range serviceEnv {
		if v != "" {
			sanitizer.AddLiteral(v)
		}
	}

	completer, err := newCompleter(ctx, cfg, mock, sanitizer)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := storage.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if !handedOff {
			_ = store.Close()
		}
	}()

	retriever, err := memory.New(ctx, memory.Config{
		Backend:    memory.Backend(cfg.Memory.Backend),
		Path:       cfg.Memory.Path,
		MaxEntries: cfg.Memory.MaxEntries,
		TopK:       cfg.Memory.TopK,
		RAGURL:     cfg.Memory.RAGURL,
		RAGSecret:  cfg.Memory.RAGSecret,
		AgentID:    agentID,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize memory: %w", err)
	}

	gateway, err := sandbox.NewDockerGateway(sandbox.DockerConfig{
		Image:     cfg.Sandbox.Image,
		CodeDir:   cfg.Sandbox.CodeDir,
		Env:       serviceEnv,
		MemLimit:  uint64(cfg.Sandbox.MemLimitMB) * 1024 * 1024,
		Network:   cfg.Sandbox.Network,
		Timeout:   cfg.Sandbox.Timeout,
		SessionID: sessionID,
	}, nil, log.New(os.Stdout, "[sandbox] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	if err := gateway.Start(ctx); err != nil {
		logger.Printf("Warning: executor container unavailable, scripts run one-shot: %v", err)
	}
	defer func() {
		if !handedOff {
			gateway.Stop(context.WithoutCancel(ctx))
		}
	}()

	tracer := observability.New(observability.Config{Langfuse: observability.LangfuseConfig{
		PublicKey: cfg.Langfuse.PublicKey,
		SecretKey: cfg.Langfuse.SecretKey,
		BaseURL:   cfg.Langfuse.BaseURL,
	}}, log.New(os.Stdout, "[tracer] ", log.LstdFlags))
	defer func() {
		if !handedOff {
			_ = tracer.Stop(context.WithoutCancel(ctx))
		}
	}()

	pipe, err := pipeline.New(pipeline.Config{
		Generator:   llm.NewPromptGenerator(completer, registry),
		Gateway:     gateway,
		Tracer:      tracer,
		Sanitizer:   sanitizer,
		MaxAttempts: cfg.Cycle.MaxAttempts,
	})
	if err != nil {
		return err
	}

	wallets := sensor.MonitoredWallets(os.Environ())
	var sens sensor.Sensor
	if mock {
		sens = sensor.NewMockSensor(wallets)
	} else {
		rpc := sensor.DetectRPC(os.Getenv)
		if cfg.Solana.RPCURL != "" {
			rpc = sensor.RPCEndpoint{URL: cfg.Solana.RPCURL, Provider: "config"}
		}
		logger.Printf("Using %s RPC for %d wallets", rpc.Provider, len(wallets))
		sens = sensor.NewSolanaSensor(rpc.URL, wallets, &http.Client{Timeout: 30 * time.Second})
	}

	deps := controller.Deps{
		Store:       store,
		Pipeline:    pipe,
		Sensor:      sens,
		Summarizer:  llm.NewModelSummarizer(completer, registry),
		Memory:      retriever,
		Sandbox:     gateway,
		Tracer:      tracer,
		CloudLogger: cloudLogger,
	}
	if cfg.Monitor.Enabled {
		deps.Monitor = newMonitor(cfg, store)
	}
	if cfg.Cloud.PublishMetadata && gcp.IsRunningOnGCP() {
		updater, err := gcp.DiscoverStatusPublisher(ctx)
		if err != nil {
			logger.Printf("Warning: instance status publishing disabled: %v", err)
		} else {
			deps.Metadata = updater
			defer func() {
				if !handedOff {
					_ = updater.Close()
				}
			}()
		}
	}

	ctrl, err := controller.New(controller.Config{
		SessionID:           sessionID,
		AgentID:             agentID,
		Mode:                controller.Mode(cfg.Cycle.Mode),
		Role:                cfg.Agent.Role,
		Network:             cfg.Agent.Network,
		TimeWindow:          cfg.Agent.TimeWindow,
		MetricName:          cfg.Agent.Metric,
		APIs:                apis,
		SecurityTools:       cfg.Agent.SecurityTools,
		MetaSwapAPIURL:      cfg.Agent.MetaSwapAPIURL,
		NotificationSources: cfg.Agent.NotificationSources,
		FrontendContext:     cfg.Agent.FrontendContext,
		CycleInterval:       cfg.Cycle.Interval,
		Cooldown:            cfg.Cycle.Cooldown,
		StatusEvery:         cfg.Cycle.StatusEvery,
		MaxCycles:           cfg.Cycle.MaxCycles,
	}, deps)
	if err != nil {
		return err
	}
	handedOff = true
	return ctrl.Run(ctx)
}

// newCompleter picks the model client. The API key comes from Secret
// Manager when llm.api_key_secret is set.
func newCompleter(ctx context.Context, cfg *config.Config, mock bool, sanitizer *security.LogSanitizer) (llm.Completer, error) {
	if mock {
		return llm.NewMockCompleter(), nil
	}

	var fetcher gcp.SecretFetcher
	if cfg.LLM.APIKeySecret != "" {
		client, err := gcp.NewSecretManagerClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
		}
		defer func() { _ = client.Close() }()
		fetcher = client
	}

	apiKey, err := gcp.ResolveAPIKey(ctx, fetcher, cfg.LLM.APIKeySecret, cfg.LLM.APIKeyEnv, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model API key: %w", err)
	}
	sanitizer.AddLiteral(apiKey)

	return llm.NewOpenAICompleter(llm.OpenAIConfig{
		APIKey:      apiKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
}

// newMonitor builds the background monitor from the configured sources.
func newMonitor(cfg *config.Config, store storage.Store) *monitor.Monitor {
	client := &http.Client{Timeout: 30 * time.Second}

	var sources []monitor.Source
	for i, url := range cfg.Monitor.BlacklistURLs {
		sources = append(sources, &monitor.BlacklistFeed{
			FeedName: fmt.Sprintf("blacklist-%d", i+1),
			URL:      url,
			Client:   client,
		})
	}
	if cfg.Monitor.RedditClientID != "" {
		sources = append(sources, &monitor.RedditFeed{
			Query:    cfg.Monitor.RedditQuery,
			ClientID: cfg.Monitor.RedditClientID,
			Client:   client,
		})
	}
	if cfg.Monitor.TwitterBearerToken != "" {
		sources = append(sources, &monitor.TwitterFeed{
			BearerToken: cfg.Monitor.TwitterBearerToken,
			Query:       cfg.Monitor.TwitterQuery,
			Client:      client,
		})
	}
	sources = append(sources, &monitor.PatternDetector{Store: store, Window: cfg.Monitor.PatternWindow})

	return monitor.New(monitor.Config{
		PollInterval: cfg.Monitor.PollInterval,
		SourceRate:   cfg.Monitor.SourceRate,
		Concurrency:  cfg.Monitor.Concurrency,
		Writer:       store,
	}, sources...)
}
