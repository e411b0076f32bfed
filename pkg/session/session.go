// Package session hosts the agent swarm. The preferred host is a tmux
// session with one pane per agent; when the environment cannot run tmux
// at all the session falls back permanently to headless background
// processes. A degraded environment never aborts session creation.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forge/pkg/agentprofile"
	"forge/pkg/config"
	"forge/pkg/fsutil"
	"forge/pkg/mail"
	"forge/pkg/supervisor"
)

// Mode says how the current session is hosted.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeTmux     Mode = "tmux"
	ModeHeadless Mode = "headless"
)

// environmentUnusable classifies an error as "this machine cannot host
// tmux at all" rather than a transient tmux failure. Only these failures
// trigger the headless fallback; everything else propagates.
func environmentUnusable(err error, output string) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error() + " " + output)
	for _, kw := range []string{
		"no server running",
		"executable file not found",
		"command not found",
		"permission denied",
		"connection refused",
		"no such file or directory",
	} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Agent is one member of the session.
type Agent struct {
	ID   string
	Role string // "master" or "worker"
}

// RoleMaster and RoleWorker name the two agent roles.
const (
	RoleMaster = "master"
	RoleWorker = "worker"
)

// Agents derives the session roster from the configuration: the master
// (when enabled) followed by worker-1..worker-N.
func Agents(cfg config.Config) []Agent {
	var agents []Agent
	if cfg.Master.Enabled {
		agents = append(agents, Agent{ID: mail.MasterID, Role: RoleMaster})
	}
	for i := 1; i <= cfg.Workers.Count; i++ {
		agents = append(agents, Agent{ID: fmt.Sprintf("worker-%d", i), Role: RoleWorker})
	}
	return agents
}

// snapshotFile records the last killed session for postmortems.
const snapshotFile = "last_session_state.json"

// Supervisor owns the lifecycle of one agent session.
type Supervisor struct {
	workDir  string
	cfg      config.Config
	profile  agentprofile.Profile
	registry *supervisor.Registry
	tmux     *TmuxHost
	headless *HeadlessHost
	log      *slog.Logger

	// forcedHeadless latches once the environment proves unusable; the
	// session never retries tmux after that. hostFailure keeps the
	// triggering error for the persisted session record.
	forcedHeadless bool
	hostFailure    string
}

// forceHeadless latches the headless fallback, remembering why.
func (s *Supervisor) forceHeadless(err error) {
	s.forcedHeadless = true
	if err != nil {
		s.hostFailure = err.Error()
	}
}

// NewSupervisor wires a session supervisor for the configured agent
// profile.
func NewSupervisor(workDir string, cfg config.Config, profile agentprofile.Profile, registry *supervisor.Registry, log *slog.Logger) *Supervisor {
	return &Supervisor{
		workDir:  workDir,
		cfg:      cfg,
		profile:  profile,
		registry: registry,
		tmux:     NewTmuxHost(cfg.Tmux.SessionName),
		headless: NewHeadlessHost(workDir, registry, log),
		log:      log,
	}
}

// SetRunner replaces the tmux command runner, for testing.
func (s *Supervisor) SetRunner(r CmdRunner) { s.tmux.Runner = r }

// SetSleeper replaces the tmux warm-up sleeper, for testing.
func (s *Supervisor) SetSleeper(fn func(time.Duration)) { s.tmux.Sleeper = fn }

// Mode reports how the current session is hosted.
func (s *Supervisor) Mode() Mode {
	if !s.forcedHeadless && s.tmux.Exists() {
		return ModeTmux
	}
	if s.headless.Exists() {
		return ModeHeadless
	}
	return ModeNone
}

// Exists reports whether a live session is present in either mode.
func (s *Supervisor) Exists() bool {
	return s.Mode() != ModeNone
}

// agentDir returns (creating if needed) the working directory an agent
// runs in.
func (s *Supervisor) agentDir(a Agent) (string, error) {
	dir := filepath.Join(s.workDir, "agents", a.ID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// roleCommand returns the command and arguments for an agent's role.
// A per-role command in the configuration overrides the agent profile.
func (s *Supervisor) roleCommand(a Agent) (string, []string) {
	switch a.Role {
	case RoleMaster:
		if s.cfg.Master.Command != "" {
			return s.cfg.Master.Command, s.cfg.Master.Args
		}
	case RoleWorker:
		if s.cfg.Workers.Command != "" {
			return s.cfg.Workers.Command, s.cfg.Workers.Args
		}
	}
	return s.profile.Command, s.profile.Args
}

// launchCommand builds the shell command that starts an agent. Profiles
// with startup-arg injection get their persona appended as the final
// argument.
func (s *Supervisor) launchCommand(a Agent) string {
	name, args := s.roleCommand(a)
	parts := append([]string{name}, args...)
	if s.profile.Injection == agentprofile.InjectStartupArg {
		if persona := s.personaPrompt(a); persona != "" {
			parts = append(parts, fmt.Sprintf("%q", persona))
		}
	}
	return strings.Join(parts, " ")
}

// personaPrompt reads the agent's persona file and wraps it in the role
// assignment preamble. A missing persona is fine; the agent just starts
// bare.
func (s *Supervisor) personaPrompt(a Agent) string {
	path := filepath.Join(s.workDir, "personas", a.Role, s.profile.PersonaFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from configuration
	if err != nil {
		return ""
	}
	return fmt.Sprintf("You are the %s agent %q in a multi-agent session. Check your mailbox for messages.\n\n%s",
		a.Role, a.ID, strings.TrimSpace(string(data)))
}

// Create starts the session for the configured roster. tmux is tried
// first; any environment-unusable failure switches permanently to
// headless mode for this supervisor.
func (s *Supervisor) Create(ctx context.Context) (Mode, error) {
	if s.Exists() {
		return s.Mode(), nil
	}

	agents := Agents(s.cfg)
	if len(agents) == 0 {
		return ModeNone, fmt.Errorf("no agents configured")
	}

	if !s.forcedHeadless {
		err := s.createTmux(agents)
		if err == nil {
			return ModeTmux, nil
		}
		if !environmentUnusable(err, "") {
			return ModeNone, err
		}
		s.forceHeadless(err)
		s.log.Warn("tmux unavailable, falling back to headless session", "error", err)
	}

	if err := s.createHeadless(ctx, agents); err != nil {
		return ModeNone, err
	}
	return ModeHeadless, nil
}

// createTmux builds the pane session and injects personas.
func (s *Supervisor) createTmux(agents []Agent) error {
	specs := make([]PaneSpec, 0, len(agents))
	for _, a := range agents {
		dir, err := s.agentDir(a)
		if err != nil {
			return err
		}
		specs = append(specs, PaneSpec{AgentID: a.ID, Dir: dir, Command: s.launchCommand(a)})
	}
	if err := s.tmux.Create(specs); err != nil {
		return err
	}

	if s.profile.Injection == agentprofile.InjectKeystrokes {
		s.tmux.WarmUp()
		for _, a := range agents {
			persona := s.personaPrompt(a)
			if persona == "" {
				continue
			}
			if err := s.tmux.SendText(a.ID, persona); err != nil {
				if environmentUnusable(err, "") {
					return err
				}
				s.log.Warn("persona injection failed", "agent", a.ID, "error", err)
			}
		}
	}

	// Track pane PIDs so health checks cover tmux-hosted agents too.
	for _, a := range agents {
		pid, err := s.tmux.PanePID(a.ID)
		if err != nil {
			s.log.Warn("pane pid unavailable", "agent", a.ID, "error", err)
			continue
		}
		name, _ := s.roleCommand(a)
		if _, err := s.registry.Register(a.ID, a.Role, pid, name, ""); err != nil {
			s.log.Warn("register pane process", "agent", a.ID, "error", err)
		}
	}

	s.log.Info("tmux session created", "session", s.cfg.Tmux.SessionName, "agents", len(agents))
	return nil
}

// createHeadless spawns the roster as background processes.
func (s *Supervisor) createHeadless(_ context.Context, agents []Agent) error {
	state := HeadlessState{
		SessionName:       s.cfg.Tmux.SessionName,
		Mode:              ModeHeadless,
		CreatedAt:         time.Now().UTC(),
		HostFailureReason: s.hostFailure,
	}
	for _, a := range agents {
		dir, err := s.agentDir(a)
		if err != nil {
			return err
		}
		spawned, err := s.headless.Spawn(a.ID, a.Role, dir, s.headlessCommand(a))
		if err != nil {
			return err
		}
		state.Agents = append(state.Agents, spawned)
	}
	if err := s.headless.SaveState(state); err != nil {
		return err
	}
	s.log.Info("headless session created", "agents", len(state.Agents))
	return nil
}

// headlessCommand is the launch command for a background agent. Keystroke
// profiles cannot receive a persona without a TTY, so persona delivery is
// skipped for them; startup-arg profiles keep theirs.
func (s *Supervisor) headlessCommand(a Agent) string {
	name, args := s.roleCommand(a)
	if name == "" {
		return ""
	}
	if s.profile.Injection == agentprofile.InjectStartupArg {
		return s.launchCommand(a)
	}
	return strings.Join(append([]string{name}, args...), " ")
}

// Attach connects the terminal to a tmux session. Headless sessions have
// no terminal to attach; callers render a status view instead.
func (s *Supervisor) Attach() error {
	switch s.Mode() {
	case ModeTmux:
		return s.tmux.Attach()
	case ModeHeadless:
		return fmt.Errorf("headless session has no terminal to attach")
	default:
		return fmt.Errorf("no session running")
	}
}

// Kill tears the session down, snapshotting its metadata first so the
// last roster survives for diagnosis.
func (s *Supervisor) Kill() error {
	mode := s.Mode()
	if mode == ModeNone {
		return fmt.Errorf("no session running")
	}
	s.snapshot(mode)

	if mode == ModeTmux {
		for _, a := range Agents(s.cfg) {
			_ = s.registry.Unregister(a.ID)
		}
		return s.tmux.Kill()
	}
	return s.headless.Kill()
}

// snapshot writes cache/last_session_state.json describing the session
// about to die.
func (s *Supervisor) snapshot(mode Mode) {
	snap := struct {
		Mode     Mode                `json:"mode"`
		KilledAt time.Time           `json:"killed_at"`
		Agents   []supervisor.Record `json:"agents"`
	}{
		Mode:     mode,
		KilledAt: time.Now().UTC(),
		Agents:   s.registry.List(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.workDir, "cache", snapshotFile)
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		s.log.Warn("session snapshot failed", "error", err)
	}
}

// Notify delivers a task message into a worker's live environment. In
// pane mode the worker is poked with a short notice; headless workers
// poll their mailbox, so the on-disk message suffices.
func (s *Supervisor) Notify(_ context.Context, worker string, m mail.Message) error {
	if s.Mode() != ModeTmux {
		return nil
	}
	notice := fmt.Sprintf("New %s message %s in your mailbox", m.Kind, m.ID)
	if m.TaskID != "" {
		notice = fmt.Sprintf("New task %s assigned; read message %s in your mailbox", m.TaskID, m.ID)
	}
	if err := s.tmux.SendText(worker, notice); err != nil {
		if environmentUnusable(err, "") {
			s.forceHeadless(err)
			s.log.Warn("tmux lost mid-session, notifications now headless", "error", err)
			return nil
		}
		return err
	}
	return nil
}

// Restart brings one agent's process back. Pane mode respawns the pane;
// headless mode spawns a replacement subprocess and refreshes the state
// record.
func (s *Supervisor) Restart(ctx context.Context, agentID string) error {
	var target Agent
	for _, a := range Agents(s.cfg) {
		if a.ID == agentID {
			target = a
			break
		}
	}
	if target.ID == "" {
		return fmt.Errorf("agent %s is not part of the configured session", agentID)
	}
	dir, err := s.agentDir(target)
	if err != nil {
		return err
	}

	if s.Mode() == ModeTmux {
		if err := s.tmux.RespawnPane(agentID, dir, s.launchCommand(target)); err != nil {
			if !environmentUnusable(err, "") {
				return err
			}
			s.forceHeadless(err)
			s.log.Warn("tmux lost during restart, falling back to headless", "agent", agentID)
		} else {
			if pid, err := s.tmux.PanePID(agentID); err == nil {
				name, _ := s.roleCommand(target)
				_, _ = s.registry.Register(agentID, target.Role, pid, name, "")
			}
			s.log.Info("respawned agent pane", "agent", agentID)
			return nil
		}
	}

	_ = ctx
	spawned, err := s.headless.Spawn(target.ID, target.Role, dir, s.headlessCommand(target))
	if err != nil {
		return err
	}
	state, _ := s.headless.LoadState()
	replaced := false
	for i, a := range state.Agents {
		if a.ID == agentID {
			state.Agents[i] = spawned
			replaced = true
		}
	}
	if !replaced {
		state.Agents = append(state.Agents, spawned)
	}
	if state.CreatedAt.IsZero() {
		state.SessionName = s.cfg.Tmux.SessionName
		state.Mode = ModeHeadless
		state.CreatedAt = time.Now().UTC()
	}
	if err := s.headless.SaveState(state); err != nil {
		return err
	}
	s.log.Info("respawned headless agent", "agent", agentID, "pid", spawned.PID)
	return nil
}
