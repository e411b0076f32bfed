package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"forge/pkg/fsutil"
	"forge/pkg/supervisor"
)

// heartbeatCommand keeps a headless agent slot alive when the profile has
// no runnable command. It gives the supervisor a real PID to track.
const heartbeatCommand = `while true; do echo "heartbeat $(date)"; sleep 30; done`

// headlessStateFile records the live headless session under cache/.
const headlessStateFile = "headless_session.json"

// HeadlessAgent is one spawned background agent.
type HeadlessAgent struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	PID     int32  `json:"pid"`
	LogPath string `json:"log_path"`
	WorkDir string `json:"work_dir"`
}

// HeadlessState is the persisted shape of a headless session.
// HostFailureReason records why the pane host was rejected, when the
// session exists because of a fallback.
type HeadlessState struct {
	SessionName       string          `json:"session_name"`
	Mode              Mode            `json:"mode"`
	CreatedAt         time.Time       `json:"created_at"`
	HostFailureReason string          `json:"host_failure_reason,omitempty"`
	Agents            []HeadlessAgent `json:"agents"`
}

// HeadlessHost runs agents as background subprocesses when no tmux server
// is usable. Each agent gets its own process group and a log file under
// logs/, and is registered with the process supervisor.
type HeadlessHost struct {
	workDir  string
	registry *supervisor.Registry
	log      *slog.Logger

	// cmdFactory builds the exec.Cmd for an agent. Defaults to running
	// the given shell command through sh; tests override it.
	cmdFactory func(dir, command string) *exec.Cmd
}

// NewHeadlessHost creates a HeadlessHost backed by the given registry.
func NewHeadlessHost(workDir string, registry *supervisor.Registry, log *slog.Logger) *HeadlessHost {
	return &HeadlessHost{
		workDir:  workDir,
		registry: registry,
		log:      log,
		cmdFactory: func(dir, command string) *exec.Cmd {
			cmd := exec.CommandContext(context.Background(), "sh", "-c", command) //nolint:gosec // command comes from the agent profile
			cmd.Dir = dir
			return cmd
		},
	}
}

func (h *HeadlessHost) statePath() string {
	return filepath.Join(h.workDir, "cache", headlessStateFile)
}

// Spawn starts one background agent: process group isolation, output to
// logs/<agent>.log, registered with the supervisor.
func (h *HeadlessHost) Spawn(agentID, role, dir, command string) (HeadlessAgent, error) {
	if command == "" {
		command = heartbeatCommand
	}

	logDir := filepath.Join(h.workDir, "logs")
	if err := fsutil.EnsureDir(logDir); err != nil {
		return HeadlessAgent{}, err
	}
	logPath := filepath.Join(logDir, agentID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return HeadlessAgent{}, fmt.Errorf("open agent log %s: %w", logPath, err)
	}

	cmd := h.cmdFactory(dir, command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return HeadlessAgent{}, fmt.Errorf("spawn agent %s: %w", agentID, err)
	}
	// The child inherited the log fd; the parent's copy can close.
	_ = logFile.Close()

	// Reap in the background to avoid zombies.
	go func() { _ = cmd.Wait() }()

	pid := int32(cmd.Process.Pid) //nolint:gosec // PIDs fit in int32 on supported platforms
	if _, err := h.registry.Register(agentID, role, pid, command, logPath); err != nil {
		h.log.Warn("register spawned agent", "agent", agentID, "error", err)
	}

	agent := HeadlessAgent{ID: agentID, Role: role, PID: pid, LogPath: logPath, WorkDir: dir}
	h.log.Info("spawned headless agent", "agent", agentID, "pid", pid)
	return agent, nil
}

// SaveState persists the headless session record.
func (h *HeadlessHost) SaveState(state HeadlessState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal headless state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(h.statePath(), data, 0o600); err != nil {
		return fmt.Errorf("save headless state: %w", err)
	}
	return nil
}

// LoadState reads the persisted headless session record. A missing file
// returns (zero, false).
func (h *HeadlessHost) LoadState() (HeadlessState, bool) {
	data, err := os.ReadFile(h.statePath())
	if err != nil {
		return HeadlessState{}, false
	}
	var state HeadlessState
	if err := json.Unmarshal(data, &state); err != nil {
		h.log.Warn("discarding corrupt headless state", "error", err)
		_ = os.Remove(h.statePath())
		return HeadlessState{}, false
	}
	return state, true
}

// Exists reports whether a headless session is alive: persisted state
// with at least one live agent process. Stale state is reaped on sight.
func (h *HeadlessHost) Exists() bool {
	state, ok := h.LoadState()
	if !ok {
		return false
	}
	for _, a := range state.Agents {
		if h.registry.IsRunning(a.ID) {
			return true
		}
	}
	_ = os.Remove(h.statePath())
	return false
}

// Kill stops every agent in the persisted session and removes the state
// file. Individual stop failures are logged and skipped.
func (h *HeadlessHost) Kill() error {
	state, ok := h.LoadState()
	if !ok {
		return nil
	}
	for _, a := range state.Agents {
		if err := h.registry.Stop(a.ID); err != nil && !errors.Is(err, supervisor.ErrNotRegistered) {
			h.log.Warn("stop headless agent", "agent", a.ID, "error", err)
		}
		if err := h.registry.Unregister(a.ID); err != nil {
			h.log.Warn("unregister headless agent", "agent", a.ID, "error", err)
		}
	}
	if err := os.Remove(h.statePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove headless state: %w", err)
	}
	h.log.Info("headless session killed", "agents", len(state.Agents))
	return nil
}
