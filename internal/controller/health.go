package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	memoryHighPct     = 80
	memoryCriticalPct = 90
)

var (
	// healthInterval is the period of the health watcher.
	healthInterval = 30 * time.Second

	// memInfoPath is read for host memory pressure.
	memInfoPath = "/proc/meminfo"
)

// health is one observation of the services a cycle relies on.
type health struct {
	SandboxReady   bool
	MonitorRunning bool
	MemoryUsedPct  int // -1 when unknown
}

func (h health) String() string {
	mem := "unknown"
	if h.MemoryUsedPct >= 0 {
		mem = fmt.Sprintf("%d%% used", h.MemoryUsedPct)
	}
	return fmt.Sprintf("sandbox executor %s, background monitor %s, memory %s",
		readiness(h.SandboxReady, "ready", "one-shot"),
		readiness(h.MonitorRunning, "running", "stopped"),
		mem)
}

func readiness(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// memoryLevel buckets a usage percentage: 0 normal, then memoryHighPct or
// memoryCriticalPct.
func memoryLevel(pct int) int {
	switch {
	case pct >= memoryCriticalPct:
		return memoryCriticalPct
	case pct >= memoryHighPct:
		return memoryHighPct
	default:
		return 0
	}
}

func (c *Controller) checkHealth(ctx context.Context) health {
	h := health{MemoryUsedPct: -1}
	if c.sandbox != nil {
		h.SandboxReady = c.sandbox.IsHealthy()
	}
	if c.monitor != nil && c.monitorStarted {
		if st, err := c.monitor.Status(ctx); err == nil {
			h.MonitorRunning = st.Running
		}
	}
	if pct, err := memoryUsedPct(memInfoPath); err == nil {
		h.MemoryUsedPct = pct
	}
	return h
}

// watchHealth logs when the sandbox executor, the monitor loop or memory
// pressure change state. It returns when ctx ends.
func (c *Controller) watchHealth(ctx context.Context) {
	last := c.checkHealth(ctx)
	c.reportHealth(health{SandboxReady: last.SandboxReady, MonitorRunning: last.MonitorRunning, MemoryUsedPct: -1}, last)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.checkHealth(ctx)
			c.reportHealth(last, cur)
			last = cur
		}
	}
}

func (c *Controller) reportHealth(prev, cur health) {
	if c.sandbox != nil && prev.SandboxReady != cur.SandboxReady {
		if cur.SandboxReady {
			c.logInfo("Sandbox executor available again")
		} else {
			c.logWarning("Sandbox executor unavailable, scripts run in one-shot containers")
		}
	}
	if c.monitorStarted && prev.MonitorRunning != cur.MonitorRunning {
		if cur.MonitorRunning {
			c.logInfo("Background monitor loop running")
		} else {
			c.logWarning("Background monitor loop stopped, notifications lack monitor intelligence")
		}
	}

	if cur.MemoryUsedPct < 0 || memoryLevel(prev.MemoryUsedPct) == memoryLevel(cur.MemoryUsedPct) {
		return
	}
	switch memoryLevel(cur.MemoryUsedPct) {
	case memoryCriticalPct:
		c.logError("Memory usage critical: %d%% used, sandbox scripts may be killed", cur.MemoryUsedPct)
	case memoryHighPct:
		c.logWarning("Memory usage high: %d%% used", cur.MemoryUsedPct)
	default:
		if prev.MemoryUsedPct >= 0 {
			c.logInfo("Memory usage recovered: %d%% used", cur.MemoryUsedPct)
		}
	}
}

// memoryUsedPct reads a meminfo file and returns the share of memory in use.
func memoryUsedPct(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parseMemoryUsedPct(string(data))
}

func parseMemoryUsedPct(meminfo string) (int, error) {
	values := make(map[string]uint64, 2)
	for _, line := range strings.Split(meminfo, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok || (name != "MemTotal" && name != "MemAvailable") {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, fmt.Errorf("meminfo %s has no value", name)
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("meminfo %s: %w", name, err)
		}
		values[name] = v
	}

	total, okTotal := values["MemTotal"]
	avail, okAvail := values["MemAvailable"]
	if !okTotal || !okAvail {
		return 0, errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	if total == 0 {
		return 0, errors.New("meminfo reports zero MemTotal")
	}
	if avail > total {
		avail = total
	}
	return int((total - avail) * 100 / total), nil
}
