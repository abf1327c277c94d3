package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andywolf/walletguard/internal/security"
)

// CommandRunner builds the command used to invoke docker.
type CommandRunner func(ctx context.Context, name string, args ...string) *exec.Cmd

// DefaultImage is the executor image used when none is configured.
const DefaultImage = "python:3.12-slim"

const (
	containerCodeDir = "/code"
	defaultTimeout   = 2 * time.Minute
)

// DockerConfig configures a DockerGateway.
type DockerConfig struct {
	Image     string
	CodeDir   string            // host directory where scripts are written
	Env       map[string]string // forwarded into the container
	MemLimit  uint64            // bytes, 0 for no limit
	Network   string            // docker network, empty for default
	Timeout   time.Duration     // per run
	SessionID string

	// Hardening adds docker security flags; nil uses
	// security.ScriptContainerOptions.
	Hardening *security.ContainerSecurityOptions
}

// executor tracks the long-lived container scripts are exec'd in.
type executor struct {
	ID        string
	Name      string
	ExecCount int
	Healthy   bool
}

// DockerGateway runs scripts with docker. Start creates one long-lived
// executor container reused via docker exec; when it is missing or
// unhealthy, runs fall back to one-shot docker run --rm.
type DockerGateway struct {
	cfg       DockerConfig
	cmdRunner CommandRunner
	logger    *log.Logger

	mu       sync.Mutex
	executor *executor
	labels   map[string]*sync.Mutex
}

// NewDockerGateway creates a gateway. A nil cmdRunner uses exec.CommandContext.
func NewDockerGateway(cfg DockerConfig, cmdRunner CommandRunner, logger *log.Logger) (*DockerGateway, error) {
	if cfg.CodeDir == "" {
		return nil, errors.New("sandbox code directory is required")
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Hardening == nil {
		cfg.Hardening = security.ScriptContainerOptions()
	}
	if cmdRunner == nil {
		cmdRunner = exec.CommandContext
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[sandbox] ", log.LstdFlags)
	}
	if err := os.MkdirAll(cfg.CodeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create code directory: %w", err)
	}
	abs, err := filepath.Abs(cfg.CodeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve code directory: %w", err)
	}
	cfg.CodeDir = abs
	logger.Printf("Scripts are written to %s", security.NewPathSanitizer().Sanitize(abs))

	return &DockerGateway{
		cfg:       cfg,
		cmdRunner: cmdRunner,
		logger:    logger,
		labels:    make(map[string]*sync.Mutex),
	}, nil
}

// containerName generates a deterministic container name.
// Format: walletguard-<session-suffix>-executor
func (g *DockerGateway) containerName() string {
	suffix := g.cfg.SessionID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if suffix == "" {
		return "walletguard-executor"
	}
	return fmt.Sprintf("walletguard-%s-executor", suffix)
}

// Start creates the executor container with an entrypoint of
// "sleep infinity". It stays up until Stop.
func (g *DockerGateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := g.containerName()
	args := []string{
		"run", "-d",
		"--name", name,
		"-v", fmt.Sprintf("%s:%s:ro", g.cfg.CodeDir, containerCodeDir),
		"-w", containerCodeDir,
		"--entrypoint", "sleep",
	}
	args = append(args, g.containerArgs()...)
	args = append(args, g.cfg.Image, "infinity")

	cmd := g.cmdRunner(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to start executor %s: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return fmt.Errorf("docker run returned empty container ID for %s", name)
	}

	g.executor = &executor{ID: id, Name: name, Healthy: true}
	g.logger.Printf("Started executor %s (id=%s)", name, shortID(id))
	return nil
}

// Run writes script to <code dir>/<label>.py and executes it. Runs with the
// same label are serialized.
func (g *DockerGateway) Run(ctx context.Context, script, label string) (Result, error) {
	lock := g.labelLock(label)
	lock.Lock()
	defer lock.Unlock()

	file := fileName(label)
	if err := os.WriteFile(filepath.Join(g.cfg.CodeDir, file), []byte(script), 0o644); err != nil {
		return Result{Label: label}, &ExecutionError{Label: label, ExitCode: -1, Err: fmt.Errorf("failed to write script: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	scriptPath := containerCodeDir + "/" + file

	if g.IsHealthy() {
		res, err := g.exec(runCtx, label, scriptPath)
		if !errors.Is(err, errExecutorGone) {
			res.Duration = time.Since(start)
			return res, err
		}
		g.logger.Printf("Warning: executor unavailable for %s, falling back to one-shot run", label)
	}

	res, err := g.oneShot(runCtx, label, scriptPath)
	res.Duration = time.Since(start)
	return res, err
}

var errExecutorGone = errors.New("executor container unavailable")

func (g *DockerGateway) exec(ctx context.Context, label, scriptPath string) (Result, error) {
	g.mu.Lock()
	ex := g.executor
	var id string
	if ex != nil && ex.Healthy {
		id = ex.ID
	}
	g.mu.Unlock()
	if id == "" {
		// Stopped or marked unhealthy since the caller checked.
		return Result{Label: label, ExitCode: -1}, &ExecutionError{Label: label, ExitCode: -1, Err: errExecutorGone}
	}

	args := []string{"exec", id, "python", scriptPath}
	res, err := g.runCommand(ctx, label, args)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) && ctx.Err() == nil && (execErr.ExitCode == -1 || executorMissing(res.Stderr)) {
			g.MarkUnhealthy()
			return res, errExecutorGone
		}
		return res, err
	}

	g.mu.Lock()
	ex.ExecCount++
	g.mu.Unlock()
	return res, nil
}

func (g *DockerGateway) oneShot(ctx context.Context, label, scriptPath string) (Result, error) {
	args := []string{
		"run", "--rm",
		"-v", fmt.Sprintf("%s:%s:ro", g.cfg.CodeDir, containerCodeDir),
		"-w", containerCodeDir,
	}
	args = append(args, g.containerArgs()...)
	args = append(args, g.cfg.Image, "python", scriptPath)
	return g.runCommand(ctx, label, args)
}

// runCommand runs docker and classifies the outcome. A non-zero exit is an
// ExecutionError with the script's exit code; a failure to run docker at all
// has exit code -1.
func (g *DockerGateway) runCommand(ctx context.Context, label string, args []string) (Result, error) {
	cmd := g.cmdRunner(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Label:  label,
		Output: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, &ExecutionError{Label: label, ExitCode: -1, Output: res.Stderr, Err: ctxErr}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			output := res.Stderr
			if output == "" {
				output = res.Output
			}
			return res, &ExecutionError{Label: label, ExitCode: res.ExitCode, Output: output}
		}
		res.ExitCode = -1
		return res, &ExecutionError{Label: label, ExitCode: -1, Err: err}
	}
	return res, nil
}

// containerArgs returns hardening, resource, network and environment flags.
// Env keys are sorted so the command line is stable.
func (g *DockerGateway) containerArgs() []string {
	args := g.cfg.Hardening.ToDockerArgs()
	if g.cfg.MemLimit > 0 {
		limit := fmt.Sprintf("%d", g.cfg.MemLimit)
		args = append(args, "--memory", limit, "--memory-swap", limit)
	}
	if g.cfg.Network != "" {
		args = append(args, "--network", g.cfg.Network)
	}

	keys := make([]string, 0, len(g.cfg.Env))
	for k := range g.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, g.cfg.Env[k]))
	}
	return args
}

// Stop removes the executor container.
func (g *DockerGateway) Stop(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.executor == nil {
		return
	}
	cmd := g.cmdRunner(ctx, "docker", "rm", "-f", g.executor.ID)
	if out, err := cmd.CombinedOutput(); err != nil {
		g.logger.Printf("Warning: failed to remove executor %s: %v (%s)", g.executor.Name, err, strings.TrimSpace(string(out)))
	} else {
		g.logger.Printf("Removed executor %s (execs=%d)", g.executor.Name, g.executor.ExecCount)
	}
	g.executor = nil
}

// IsHealthy reports whether the executor container exists and is healthy.
func (g *DockerGateway) IsHealthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executor != nil && g.executor.Healthy
}

// MarkUnhealthy forces subsequent runs onto the one-shot path.
func (g *DockerGateway) MarkUnhealthy() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.executor != nil && g.executor.Healthy {
		g.executor.Healthy = false
		g.logger.Printf("Marked executor %s as unhealthy", g.executor.Name)
	}
}

func (g *DockerGateway) labelLock(label string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.labels[label]
	if !ok {
		m = &sync.Mutex{}
		g.labels[label] = m
	}
	return m
}

// executorMissing recognises docker's own errors for a removed or stopped
// container, as opposed to a script failure.
func executorMissing(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "is not running")
}

var unsafeLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func fileName(label string) string {
	name := unsafeLabelChars.ReplaceAllString(label, "_")
	if name == "" {
		name = "script"
	}
	return name + ".py"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Gateway = (*DockerGateway)(nil)
