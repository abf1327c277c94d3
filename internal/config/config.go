package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full walletguard configuration
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Cycle    CycleConfig    `mapstructure:"cycle"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Langfuse LangfuseConfig `mapstructure:"langfuse"`
}

// AgentConfig describes the protected agent and its prompt inputs
type AgentConfig struct {
	Name                string   `mapstructure:"name"`
	Role                string   `mapstructure:"role"`
	Network             string   `mapstructure:"network"`
	TimeWindow          string   `mapstructure:"time_window"`
	Metric              string   `mapstructure:"metric"`
	Services            []string `mapstructure:"services"`
	SecurityTools       []string `mapstructure:"security_tools"`
	NotificationSources []string `mapstructure:"notification_sources"`
	FrontendContext     bool     `mapstructure:"frontend_context"`
	MetaSwapAPIURL      string   `mapstructure:"meta_swap_api_url"`
}

// CycleConfig controls the cycle loop
type CycleConfig struct {
	Mode        string        `mapstructure:"mode"` // assisted or unassisted
	Interval    time.Duration `mapstructure:"interval"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MaxCycles   int           `mapstructure:"max_cycles"` // 0 runs until stopped
	MaxAttempts int           `mapstructure:"max_attempts"`
	StatusEvery int           `mapstructure:"status_every"`
}

// LLMConfig selects the model backend
type LLMConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	APIKeySecret string        `mapstructure:"api_key_secret"` // Secret Manager path, wins over APIKeyEnv
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SandboxConfig configures the docker execution gateway
type SandboxConfig struct {
	Image      string        `mapstructure:"image"`
	CodeDir    string        `mapstructure:"code_dir"`
	Network    string        `mapstructure:"network"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MemLimitMB int           `mapstructure:"mem_limit_mb"`
}

// StorageConfig locates the SQLite database
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MemoryConfig configures strategy retrieval
type MemoryConfig struct {
	Backend    string `mapstructure:"backend"` // auto, local or rag
	Path       string `mapstructure:"path"`
	RAGURL     string `mapstructure:"rag_url"`
	RAGSecret  string `mapstructure:"rag_secret"`
	TopK       int    `mapstructure:"top_k"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// MonitorConfig configures the background intelligence monitor
type MonitorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SourceRate         int           `mapstructure:"source_rate"` // polls per source per hour
	Concurrency        int           `mapstructure:"concurrency"`
	BlacklistURLs      []string      `mapstructure:"blacklist_urls"`
	RedditQuery        string        `mapstructure:"reddit_query"`
	RedditClientID     string        `mapstructure:"reddit_client_id"`
	TwitterQuery       string        `mapstructure:"twitter_query"`
	TwitterBearerToken string        `mapstructure:"twitter_bearer_token"`
	PatternWindow      time.Duration `mapstructure:"pattern_window"`
}

// SolanaConfig configures the wallet sensor
type SolanaConfig struct {
	RPCURL string `mapstructure:"rpc_url"` // empty to detect from provider credentials
}

// CloudConfig contains GCP settings. Everything is optional.
type CloudConfig struct {
	Project         string `mapstructure:"project"`
	LogID           string `mapstructure:"log_id"`
	PublishMetadata bool   `mapstructure:"publish_metadata"`
}

// LangfuseConfig enables cycle tracing
type LangfuseConfig struct {
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper(), os.Getenv)
}

// LoadFrom unmarshals v and applies environment overrides read via getenv
// and then defaults.
func LoadFrom(v *viper.Viper, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnv maps the plain environment variables used by deployments onto
// the config. They win over file values.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if raw := getenv("SECURITY_CYCLE_INTERVAL"); raw != "" {
		d, err := parseInterval(raw)
		if err != nil {
			return fmt.Errorf("invalid SECURITY_CYCLE_INTERVAL: %w", err)
		}
		cfg.Cycle.Interval = d
	}
	setIf(&cfg.Storage.SQLitePath, getenv("SQLITE_PATH"))
	setIf(&cfg.Agent.MetaSwapAPIURL, getenv("META_SWAP_API_URL"))
	setIf(&cfg.Memory.RAGURL, getenv("RAG_SERVICE_URL"))
	setIf(&cfg.Memory.RAGSecret, getenv("RAG_SERVICE_SECRET"))
	setIf(&cfg.Monitor.TwitterBearerToken, getenv("TWITTER_BEARER_TOKEN"))
	setIf(&cfg.Monitor.RedditClientID, getenv("REDDIT_CLIENT_ID"))
	setIf(&cfg.Langfuse.PublicKey, getenv("LANGFUSE_PUBLIC_KEY"))
	setIf(&cfg.Langfuse.SecretKey, getenv("LANGFUSE_SECRET_KEY"))
	setIf(&cfg.Langfuse.BaseURL, getenv("LANGFUSE_HOST"))
	setIf(&cfg.Cloud.Project, getenv("GOOGLE_CLOUD_PROJECT"))

	// Social credentials switch the monitor on.
	if cfg.Monitor.TwitterBearerToken != "" || cfg.Monitor.RedditClientID != "" {
		cfg.Monitor.Enabled = true
	}
	return nil
}

// parseInterval accepts whole seconds ("900") or a duration ("15m").
func parseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func setIf(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "walletguard"
	}
	if cfg.Agent.Role == "" {
		cfg.Agent.Role = "security"
	}
	if cfg.Agent.Network == "" {
		cfg.Agent.Network = "solana"
	}
	if cfg.Agent.TimeWindow == "" {
		cfg.Agent.TimeWindow = "24h"
	}
	if cfg.Agent.Metric == "" {
		cfg.Agent.Metric = "security"
	}
	if cfg.Agent.MetaSwapAPIURL == "" {
		cfg.Agent.MetaSwapAPIURL = "http://localhost:9009"
	}

	if cfg.Cycle.Mode == "" {
		cfg.Cycle.Mode = "assisted"
	}
	if cfg.Cycle.Interval == 0 {
		cfg.Cycle.Interval = 900 * time.Second
	}
	if cfg.Cycle.Cooldown == 0 {
		cfg.Cycle.Cooldown = 60 * time.Second
	}
	if cfg.Cycle.MaxAttempts == 0 {
		cfg.Cycle.MaxAttempts = 3
	}
	if cfg.Cycle.StatusEvery == 0 {
		cfg.Cycle.StatusEvery = 10
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "python:3.11-slim"
	}
	if cfg.Sandbox.CodeDir == "" {
		cfg.Sandbox.CodeDir = "./code"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 5 * time.Minute
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./db/security.db"
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "auto"
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "./db/memory.json"
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 1
	}
	if cfg.Memory.MaxEntries == 0 {
		cfg.Memory.MaxEntries = 500
	}

	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = 5 * time.Minute
	}
	if cfg.Monitor.Concurrency == 0 {
		cfg.Monitor.Concurrency = 4
	}
	if cfg.Monitor.PatternWindow == 0 {
		cfg.Monitor.PatternWindow = 30 * time.Minute
	}
	if cfg.Monitor.RedditQuery == "" {
		cfg.Monitor.RedditQuery = "solana wallet drainer OR phishing OR scam"
	}
	if cfg.Monitor.TwitterQuery == "" {
		cfg.Monitor.TwitterQuery = "(solana drainer OR solana phishing OR wallet exploit) -is:retweet"
	}

	if cfg.Cloud.LogID == "" {
		cfg.Cloud.LogID = "walletguard"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validModes := map[string]bool{"assisted": true, "unassisted": true}
	if !validModes[c.Cycle.Mode] {
		return fmt.Errorf("invalid cycle mode: %s (must be assisted or unassisted)", c.Cycle.Mode)
	}

	if c.Cycle.Interval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}

	if c.Cycle.Cooldown < 0 {
		return fmt.Errorf("cycle cooldown must not be negative")
	}

	if c.Cycle.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	if c.Cycle.MaxCycles < 0 {
		return fmt.Errorf("max_cycles must not be negative")
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("model name is required")
	}

	if c.LLM.APIKeyEnv == "" && c.LLM.APIKeySecret == "" {
		return fmt.Errorf("an API key environment variable or secret is required")
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}

	validBackends := map[string]bool{"auto": true, "local": true, "rag": true}
	if !validBackends[c.Memory.Backend] {
		return fmt.Errorf("invalid memory backend: %s (must be auto, local, or rag)", c.Memory.Backend)
	}

	if c.Memory.Backend == "rag" && c.Memory.RAGURL == "" {
		return fmt.Errorf("rag_url is required for the rag memory backend")
	}

	if (c.Langfuse.PublicKey == "") != (c.Langfuse.SecretKey == "") {
		return fmt.Errorf("langfuse public and secret keys must be set together")
	}

	return nil
}

// AgentID returns the identifier strategies are stored under.
func (c *Config) AgentID() string {
	return "security_agent_" + c.Agent.Name
}
