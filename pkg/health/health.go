// Package health classifies agent failures and drives recovery. The
// monitor polls the process supervisor, records error history per agent,
// and applies a per-kind recovery policy with a bounded retry budget.
package health

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"forge/pkg/supervisor"
)

// Status is the monitor's verdict on one agent.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Degradation thresholds. A running agent past either limit is degraded
// but not restarted.
const (
	cpuDegradedPercent = 90.0
	memDegradedMB      = 2048.0
)

// ErrorKind buckets a failure for recovery-policy purposes.
type ErrorKind string

const (
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
	KindNetwork   ErrorKind = "network"
	KindResource  ErrorKind = "resource"
	KindCrash     ErrorKind = "crash"
	KindUnknown   ErrorKind = "unknown"
)

// ClassifyError maps an error description onto an ErrorKind by keyword.
// The match order matters: "rate limit exceeded due to network retries"
// is a rate-limit problem, not a network problem.
func ClassifyError(details string) ErrorKind {
	d := strings.ToLower(details)
	switch {
	case strings.Contains(d, "rate limit") || strings.Contains(d, "429"):
		return KindRateLimit
	case strings.Contains(d, "timeout") || strings.Contains(d, "timed out"):
		return KindTimeout
	case strings.Contains(d, "network") || strings.Contains(d, "connection"):
		return KindNetwork
	case strings.Contains(d, "memory") || strings.Contains(d, "cpu"):
		return KindResource
	case strings.Contains(d, "crash") || strings.Contains(d, "not running"):
		return KindCrash
	default:
		return KindUnknown
	}
}

// ErrorRecord is one observed failure with its recovery bookkeeping.
type ErrorRecord struct {
	AgentID          string    `json:"agent_id"`
	Kind             ErrorKind `json:"kind"`
	Timestamp        time.Time `json:"timestamp"`
	Details          string    `json:"details"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	Recoverable      bool      `json:"recoverable"`
}

// ErrorHistoryStore persists per-agent failure history.
type ErrorHistoryStore interface {
	Append(rec ErrorRecord) error
	History(agentID string) ([]ErrorRecord, error)
	// UpdateLast rewrites the most recent record for the agent.
	UpdateLast(agentID string, rec ErrorRecord) error
}

// Restarter restarts the process behind an agent. The session supervisor
// implements it; the monitor treats a nil Restarter as "cannot recover
// from crashes".
type Restarter interface {
	Restart(ctx context.Context, agentID string) error
}

// AgentSource is what the monitor needs from the process supervisor.
type AgentSource interface {
	List() []supervisor.Record
	IsRunning(agentID string) bool
	Stats(agentID string) (supervisor.Stats, error)
	CleanupDead() ([]string, error)
}

// Config bounds the monitor's recovery behavior.
type Config struct {
	Interval      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Monitor watches registered agents and recovers the unhealthy ones.
type Monitor struct {
	agents    AgentSource
	history   ErrorHistoryStore
	restarter Restarter
	cfg       Config
	log       *slog.Logger

	// Sleeper overrides time.Sleep for testing.
	Sleeper func(time.Duration)
	nowFunc func() time.Time

	cancel context.CancelFunc
}

// NewMonitor builds a Monitor. restarter may be nil, in which case crash
// recovery always fails.
func NewMonitor(agents AgentSource, history ErrorHistoryStore, restarter Restarter, cfg Config, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Monitor{
		agents:    agents,
		history:   history,
		restarter: restarter,
		cfg:       cfg,
		log:       log,
		nowFunc:   time.Now,
	}
}

func (m *Monitor) sleep(d time.Duration) {
	if m.Sleeper != nil {
		m.Sleeper(d)
		return
	}
	time.Sleep(d)
}

// Check reports the current health of one agent. An agent the supervisor
// has never heard of is Unknown; a dead process is Unhealthy; a running
// process past the CPU or memory threshold is Degraded.
func (m *Monitor) Check(agentID string) Status {
	registered := false
	for _, rec := range m.agents.List() {
		if rec.AgentID == agentID {
			registered = true
			break
		}
	}
	if !registered {
		return StatusUnknown
	}
	if !m.agents.IsRunning(agentID) {
		return StatusUnhealthy
	}
	stats, err := m.agents.Stats(agentID)
	if err != nil {
		m.log.Warn("stats unavailable", "agent", agentID, "error", err)
		return StatusUnknown
	}
	if stats.CPUPercent > cpuDegradedPercent || stats.MemoryMB > memDegradedMB {
		return StatusDegraded
	}
	return StatusHealthy
}

// HandleError records a failure and runs one recovery attempt for it.
// Returns true when the recovery action succeeded. Repeats of the same
// failure kind update the existing record's attempt counter rather than
// appending a new record; once the counter reaches the retry budget the
// record is marked unrecoverable and no further action is taken.
func (m *Monitor) HandleError(ctx context.Context, agentID, details string) bool {
	kind := ClassifyError(details)

	attempts := 0
	continuing := false
	if prev, err := m.history.History(agentID); err == nil && len(prev) > 0 {
		last := prev[len(prev)-1]
		if last.Kind == kind && last.Recoverable {
			attempts = last.RecoveryAttempts
			continuing = true
		}
	}

	record := m.history.Append
	if continuing {
		record = func(rec ErrorRecord) error { return m.history.UpdateLast(agentID, rec) }
	}

	rec := ErrorRecord{
		AgentID:          agentID,
		Kind:             kind,
		Timestamp:        m.nowFunc(),
		Details:          details,
		RecoveryAttempts: attempts + 1,
		Recoverable:      true,
	}

	if attempts >= m.cfg.RetryAttempts {
		rec.Recoverable = false
		rec.RecoveryAttempts = attempts
		if err := record(rec); err != nil {
			m.log.Warn("record error history", "agent", agentID, "error", err)
		}
		m.log.Error("retry budget exhausted", "agent", agentID, "kind", kind, "attempts", attempts)
		return false
	}

	if err := record(rec); err != nil {
		m.log.Warn("record error history", "agent", agentID, "error", err)
	}

	ok := m.recover(ctx, agentID, kind)
	m.log.Info("recovery attempt", "agent", agentID, "kind", kind, "attempt", rec.RecoveryAttempts, "success", ok)
	return ok
}

// recover applies the per-kind recovery action.
func (m *Monitor) recover(ctx context.Context, agentID string, kind ErrorKind) bool {
	switch kind {
	case KindRateLimit:
		// Back off long enough for the limit window to pass.
		m.sleep(2 * m.cfg.RetryDelay)
		return true
	case KindTimeout, KindNetwork:
		m.sleep(m.cfg.RetryDelay)
		return true
	case KindCrash:
		if m.restarter == nil {
			m.log.Warn("crash with no restarter configured", "agent", agentID)
			return false
		}
		if err := m.restarter.Restart(ctx, agentID); err != nil {
			m.log.Error("restart failed", "agent", agentID, "error", err)
			return false
		}
		return true
	default:
		// Resource pressure and unknown failures have no automated fix;
		// pause so a human or the next round can intervene.
		m.sleep(m.cfg.RetryDelay)
		return false
	}
}

// Run drives the monitor loop until ctx is cancelled or Stop is called:
// each round checks every registered agent, handles unhealthy ones,
// reaps dead records, then sleeps the interval. Per-round errors are
// logged and never end the loop.
func (m *Monitor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	m.log.Info("health monitor started", "interval", m.cfg.Interval)
	for {
		m.runOnce(ctx)
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case <-time.After(m.cfg.Interval):
		}
	}
}

// runOnce performs a single monitoring round.
func (m *Monitor) runOnce(ctx context.Context) {
	for _, rec := range m.agents.List() {
		switch status := m.Check(rec.AgentID); status {
		case StatusUnhealthy:
			m.HandleError(ctx, rec.AgentID, "agent process not running")
		case StatusDegraded:
			m.log.Warn("agent degraded", "agent", rec.AgentID)
		case StatusHealthy, StatusUnknown:
		}
	}
	if _, err := m.agents.CleanupDead(); err != nil {
		m.log.Warn("cleanup dead agents", "error", err)
	}
}

// Stop cancels a running Run loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
