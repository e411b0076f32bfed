// Package supervisor tracks the OS processes backing agents: registration,
// liveness, resource stats, and orderly shutdown. Records are persisted so
// a fresh CLI invocation can pick up a running session.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"forge/pkg/fsutil"
)

// ErrNotRegistered is returned when an operation names an agent with no
// tracked process record.
var ErrNotRegistered = errors.New("agent not registered")

// Status is the supervisor's view of an agent process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)

// Record describes one tracked agent process. StartToken is the process
// create time in milliseconds, captured at registration; a PID whose
// create time no longer matches the token belongs to some other process
// that recycled the number and is never treated as ours.
type Record struct {
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role"`
	PID        int32     `json:"pid"`
	StartToken int64     `json:"start_token"`
	Command    string    `json:"command"`
	StartTime  time.Time `json:"start_time"`
	Status     Status    `json:"status"`
	LogPath    string    `json:"log_path,omitempty"`
}

// Stats is a point-in-time resource snapshot of an agent process.
type Stats struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryMB      float64       `json:"memory_mb"`
	MemoryPercent float32       `json:"memory_percent"`
	Runtime       time.Duration `json:"runtime"`
	OSStatus      string        `json:"os_status"`
}

// procInfo is the slice of process inspection the registry needs.
// *process.Process satisfies it; tests inject fakes.
type procInfo interface {
	CreateTime() (int64, error)
	Status() ([]string, error)
	CPUPercent() (float64, error)
	MemoryInfo() (*process.MemoryInfoStat, error)
	MemoryPercent() (float32, error)
	IsRunning() (bool, error)
	Terminate() error
	Kill() error
}

// Registry tracks agent processes and persists its state to
// cache/agent_states/agents.json on every mutation.
//
// Thread-safe: all access to the record map is protected by a mutex.
type Registry struct {
	statePath string
	log       *slog.Logger

	mu      sync.Mutex
	records map[string]Record

	// newProc builds the inspection handle for a PID. Defaults to
	// gopsutil; tests override it to simulate processes.
	newProc func(pid int32) (procInfo, error)
	sleep   func(d time.Duration)
	nowFunc func() time.Time
}

// NewRegistry creates a Registry rooted at workDir, reloading any
// previously persisted records.
func NewRegistry(workDir string, log *slog.Logger) (*Registry, error) {
	stateDir := filepath.Join(workDir, "cache", "agent_states")
	if err := fsutil.EnsureDir(stateDir); err != nil {
		return nil, err
	}
	r := &Registry{
		statePath: filepath.Join(stateDir, "agents.json"),
		log:       log,
		records:   make(map[string]Record),
		newProc: func(pid int32) (procInfo, error) {
			return process.NewProcess(pid)
		},
		sleep:   time.Sleep,
		nowFunc: time.Now,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read agent states: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt state file means a crashed writer from before atomic
		// persistence existed; start fresh rather than refuse to run.
		r.log.Warn("discarding corrupt agent state file", "path", r.statePath, "error", err)
		return nil
	}
	for _, rec := range records {
		r.records[rec.AgentID] = rec
	}
	return nil
}

// persist writes the full record set atomically. Callers hold r.mu.
func (r *Registry) persist() error {
	records := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent states: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.statePath, data, 0o600); err != nil {
		return fmt.Errorf("persist agent states: %w", err)
	}
	return nil
}

// Register records a live agent process, capturing its create-time token.
// Registering an agent ID again replaces the previous record.
func (r *Registry) Register(agentID, role string, pid int32, command, logPath string) (Record, error) {
	proc, err := r.newProc(pid)
	if err != nil {
		return Record{}, fmt.Errorf("register agent %s pid %d: %w", agentID, pid, err)
	}
	token, err := proc.CreateTime()
	if err != nil {
		return Record{}, fmt.Errorf("read create time for agent %s pid %d: %w", agentID, pid, err)
	}

	rec := Record{
		AgentID:    agentID,
		Role:       role,
		PID:        pid,
		StartToken: token,
		Command:    command,
		StartTime:  r.nowFunc(),
		Status:     StatusRunning,
		LogPath:    logPath,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[agentID] = rec
	if err := r.persist(); err != nil {
		return Record{}, err
	}
	r.log.Info("registered agent process", "agent", agentID, "pid", pid, "role", role)
	return rec, nil
}

// Unregister drops the record for an agent. Removing an unknown agent is
// not an error.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[agentID]; !ok {
		return nil
	}
	delete(r.records, agentID)
	if err := r.persist(); err != nil {
		return err
	}
	r.log.Info("unregistered agent process", "agent", agentID)
	return nil
}

// Get returns the record for an agent.
func (r *Registry) Get(agentID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[agentID]
	return rec, ok
}

// List returns all records sorted by agent ID.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// UpdateStatus overrides the recorded status for an agent.
func (r *Registry) UpdateStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotRegistered)
	}
	rec.Status = status
	r.records[agentID] = rec
	return r.persist()
}

// IsRunning reports whether the agent's process is alive: the PID exists,
// is not a zombie, and its create time still matches the registration
// token. A recycled PID fails the token check and counts as dead.
func (r *Registry) IsRunning(agentID string) bool {
	rec, ok := r.Get(agentID)
	if !ok {
		return false
	}
	return r.alive(rec)
}

func (r *Registry) alive(rec Record) bool {
	proc, err := r.newProc(rec.PID)
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := proc.Status()
	if err == nil {
		for _, st := range statuses {
			if st == process.Zombie {
				return false
			}
		}
	}
	token, err := proc.CreateTime()
	if err != nil || token != rec.StartToken {
		return false
	}
	return true
}

// Stats returns a resource snapshot for a running agent process.
func (r *Registry) Stats(agentID string) (Stats, error) {
	rec, ok := r.Get(agentID)
	if !ok {
		return Stats{}, fmt.Errorf("agent %s: %w", agentID, ErrNotRegistered)
	}
	if !r.alive(rec) {
		return Stats{}, fmt.Errorf("agent %s pid %d is not running", agentID, rec.PID)
	}

	proc, err := r.newProc(rec.PID)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect agent %s: %w", agentID, err)
	}

	var s Stats
	s.Runtime = r.nowFunc().Sub(rec.StartTime)
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := proc.MemoryPercent(); err == nil {
		s.MemoryPercent = pct
	}
	if statuses, err := proc.Status(); err == nil && len(statuses) > 0 {
		s.OSStatus = statuses[0]
	}
	return s, nil
}

// stopGrace is how long Stop waits after SIGTERM before escalating.
const stopGrace = 3 * time.Second

// stopPollInterval is how often Stop re-checks liveness during the grace
// period.
const stopPollInterval = 100 * time.Millisecond

// Stop terminates an agent process: SIGTERM, a grace period, then SIGKILL
// if it is still alive. The record is marked stopped regardless; callers
// that want it gone entirely follow up with Unregister.
func (r *Registry) Stop(agentID string) error {
	rec, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotRegistered)
	}
	if !r.alive(rec) {
		return r.UpdateStatus(agentID, StatusDead)
	}

	proc, err := r.newProc(rec.PID)
	if err != nil {
		return r.UpdateStatus(agentID, StatusDead)
	}
	if err := proc.Terminate(); err != nil {
		r.log.Warn("terminate failed, escalating", "agent", agentID, "pid", rec.PID, "error", err)
	}

	deadline := r.nowFunc().Add(stopGrace)
	for r.nowFunc().Before(deadline) {
		if !r.alive(rec) {
			r.log.Info("agent stopped", "agent", agentID, "pid", rec.PID)
			return r.UpdateStatus(agentID, StatusStopped)
		}
		r.sleep(stopPollInterval)
	}

	if err := proc.Kill(); err != nil {
		r.log.Warn("kill after grace period failed", "agent", agentID, "pid", rec.PID, "error", err)
	}
	r.sleep(stopPollInterval)
	r.log.Info("agent force-killed", "agent", agentID, "pid", rec.PID)
	return r.UpdateStatus(agentID, StatusStopped)
}

// StopAll stops every tracked agent, continuing past individual failures.
// The first error encountered is returned.
func (r *Registry) StopAll() error {
	var firstErr error
	for _, rec := range r.List() {
		if err := r.Stop(rec.AgentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanupDead removes records whose processes are no longer alive and
// returns the agent IDs that were reaped.
func (r *Registry) CleanupDead() ([]string, error) {
	var dead []string
	for _, rec := range r.List() {
		if !r.alive(rec) {
			dead = append(dead, rec.AgentID)
		}
	}
	if len(dead) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dead {
		delete(r.records, id)
	}
	if err := r.persist(); err != nil {
		return nil, err
	}
	r.log.Info("reaped dead agent records", "agents", dead)
	return dead, nil
}
