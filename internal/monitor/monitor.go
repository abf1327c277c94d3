// Package monitor polls external threat sources in the background and keeps
// a threat and blacklist aggregate for the security cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andywolf/walletguard/internal/storage"
)

// NotificationSource tags notifications written by the monitor.
const NotificationSource = "background_monitor"

// DefaultPollInterval is the time between poll rounds.
const DefaultPollInterval = 5 * time.Minute

var (
	ErrNoSources      = errors.New("no monitor sources configured")
	ErrAlreadyRunning = errors.New("monitor already running")
)

// Status is a point-in-time copy of the monitor counters.
type Status struct {
	ThreatsDiscovered  int       `json:"threats_discovered"`
	SocialMediaScans   int       `json:"social_media_scans"`
	DatabaseUpdates    int       `json:"database_updates"`
	BlacklistedWallets int       `json:"blacklisted_wallets"`
	LastUpdate         time.Time `json:"last_update"`
	Running            bool      `json:"running"`
}

// NotificationWriter persists monitor findings.
type NotificationWriter interface {
	InsertNotification(ctx context.Context, n storage.Notification) error
}

// Config configures a Monitor.
type Config struct {
	PollInterval time.Duration
	SourceRate   int // polls per source per hour, 0 for no limit
	Concurrency  int
	Writer       NotificationWriter
	Logger       *log.Logger
	Now          func() time.Time
}

// Monitor runs the poll loop. Counters only grow and are reset only by
// creating a new Monitor.
type Monitor struct {
	cfg     Config
	sources []Source
	limiter *limiter
	logger  *log.Logger

	mu        sync.RWMutex
	status    Status
	blacklist map[string]struct{}
	seen      map[string]struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc
	stopCh    chan struct{}
	done      chan struct{}
	started   bool
}

// New creates a monitor over sources.
func New(cfg Config, sources ...Source) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[monitor] ", log.LstdFlags)
	}
	lim := newLimiter(cfg.SourceRate, time.Hour)
	lim.now = cfg.Now
	return &Monitor{
		cfg:       cfg,
		sources:   sources,
		limiter:   lim,
		logger:    logger,
		blacklist: make(map[string]struct{}),
		seen:      make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start initializes every source and launches the poll loop. The first
// round runs immediately. Start fails when no source is configured or a
// source fails to initialize.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	if len(m.sources) == 0 {
		return ErrNoSources
	}
	for _, src := range m.sources {
		if err := src.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize source %s: %w", src.Name(), err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.started = true
	m.cancel = cancel
	m.status.Running = true
	m.mu.Unlock()

	go m.loop(loopCtx)
	m.logger.Printf("Started with %d sources (interval %s)", len(m.sources), m.cfg.PollInterval)
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	defer func() {
		m.mu.Lock()
		m.status.Running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.pollRound(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

type sourceResult struct {
	source   Source
	findings []Finding
	polled   bool
}

// pollRound polls all sources concurrently, stores the new findings and
// then commits the whole round under one lock so readers never see a
// partial round.
func (m *Monitor) pollRound(ctx context.Context) {
	results := make([]sourceResult, len(m.sources))

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, src := range m.sources {
		i, src := i, src
		results[i].source = src
		if !m.limiter.Allow(src.Name()) {
			continue
		}
		g.Go(func() error {
			findings, err := src.Poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Printf("Warning: source %s poll failed: %v", src.Name(), err)
				}
				return nil
			}
			results[i].findings = findings
			results[i].polled = true
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	round := m.fold(results)
	round.status.DatabaseUpdates += m.persist(ctx, round.fresh)
	m.commit(round)
}

// roundUpdate is the effect of one poll round, built before any shared
// state changes.
type roundUpdate struct {
	status      Status
	seen        []string
	blacklisted []string
	fresh       []Finding
}

// fold computes the counters after results and the findings not seen
// before. Only the poll loop writes seen and blacklist, so reading them
// here and committing later is consistent.
func (m *Monitor) fold(results []sourceResult) roundUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	round := roundUpdate{status: m.status}
	seen := make(map[string]struct{})
	listed := make(map[string]struct{})
	for _, r := range results {
		if !r.polled {
			continue
		}
		if r.source.Kind() == KindSocial {
			round.status.SocialMediaScans++
		}
		for _, f := range r.findings {
			if _, dup := m.seen[f.ID]; dup {
				continue
			}
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			round.seen = append(round.seen, f.ID)

			switch f.Kind {
			case KindBlacklist:
				if f.Address == "" {
					continue
				}
				if _, ok := m.blacklist[f.Address]; ok {
					continue
				}
				if _, ok := listed[f.Address]; ok {
					continue
				}
				listed[f.Address] = struct{}{}
				round.blacklisted = append(round.blacklisted, f.Address)
				round.status.ThreatsDiscovered++
			default:
				if f.Threat {
					round.status.ThreatsDiscovered++
				}
			}
			round.fresh = append(round.fresh, f)
		}
	}
	round.status.BlacklistedWallets = len(m.blacklist) + len(round.blacklisted)
	round.status.LastUpdate = m.cfg.Now()
	return round
}

func (m *Monitor) commit(round roundUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range round.seen {
		m.seen[id] = struct{}{}
	}
	for _, addr := range round.blacklisted {
		m.blacklist[addr] = struct{}{}
	}
	round.status.Running = m.status.Running
	m.status = round.status
}

// persist writes findings and returns how many were stored.
func (m *Monitor) persist(ctx context.Context, findings []Finding) int {
	if m.cfg.Writer == nil {
		return 0
	}
	written := 0
	for _, f := range findings {
		err := m.cfg.Writer.InsertNotification(ctx, storage.Notification{
			Source: NotificationSource,
			Short:  f.Summary,
			Long:   f.Detail,
		})
		if err != nil {
			m.logger.Printf("Warning: failed to store finding %s: %v", f.ID, err)
			continue
		}
		written++
	}
	return written
}

// Stop ends the poll loop and waits for it, or for ctx. It is safe to call
// more than once and on a monitor that was never started.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}

	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.cancel()
	})

	select {
	case <-m.done:
		m.logger.Printf("Stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor did not stop: %w", ctx.Err())
	}
}

// Status returns a copy of the counters. It never waits for a poll round.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, nil
}

// Blacklisted returns the known blacklisted addresses, sorted.
func (m *Monitor) Blacklisted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.blacklist))
	for a := range m.blacklist {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
