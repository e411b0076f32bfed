package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forge/pkg/agentprofile"
	"forge/pkg/config"
	"forge/pkg/logging"
	"forge/pkg/mail"
	"forge/pkg/supervisor"
)

// fakeRunner records commands and serves canned results.
type fakeRunner struct {
	calls   [][]string
	outs    map[string]string
	errs    map[string]error
	failAll error // when set, every command fails with this error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outs: map[string]string{}, errs: map[string]error{}}
}

func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failAll != nil {
		return "", f.failAll
	}
	k := key(name, args...)
	return f.outs[k], f.errs[k]
}

// called reports whether any recorded call starts with the given prefix.
func (f *fakeRunner) called(prefix ...string) bool {
	for _, call := range f.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if call[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func testConfig(workers int) config.Config {
	cfg := config.Default()
	cfg.Workers.Count = workers
	cfg.Tmux.SessionName = "forge-test"
	return cfg
}

func newTestSupervisor(t *testing.T, cfg config.Config, profile agentprofile.Profile) (*Supervisor, *fakeRunner, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := supervisor.NewRegistry(dir, logging.Discard())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := NewSupervisor(dir, cfg, profile, reg, logging.Discard())
	runner := newFakeRunner()
	// A fresh fake has no session yet.
	runner.errs[key("tmux", "has-session", "-t", "forge-test")] = errors.New("no session")
	s.SetRunner(runner)
	s.SetSleeper(func(time.Duration) {})
	return s, runner, dir
}

func TestEnvironmentUnusable(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{`exec: "tmux": executable file not found in $PATH`, true},
		{"error connecting to /tmp/tmux-0/default (No such file or directory)", true},
		{"no server running on /tmp/tmux-0/default", true},
		{"open /tmp/tmux-0: permission denied", true},
		{"connection refused", true},
		{"duplicate session: forge", false},
		{"invalid layout", false},
	}
	for _, tt := range tests {
		if got := environmentUnusable(errors.New(tt.err), ""); got != tt.want {
			t.Errorf("environmentUnusable(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if environmentUnusable(nil, "anything") {
		t.Error("nil error is never an environment failure")
	}
}

func TestAgents_Roster(t *testing.T) {
	cfg := testConfig(2)
	agents := Agents(cfg)
	if len(agents) != 3 {
		t.Fatalf("roster = %v", agents)
	}
	if agents[0].ID != "master" || agents[1].ID != "worker-1" || agents[2].ID != "worker-2" {
		t.Errorf("roster order = %v", agents)
	}

	cfg.Master.Enabled = false
	if got := Agents(cfg); len(got) != 2 || got[0].ID != "worker-1" {
		t.Errorf("masterless roster = %v", got)
	}
}

func TestCreate_TmuxPaneLayout(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes, PersonaFile: "persona.md"}
	s, runner, _ := newTestSupervisor(t, testConfig(2), profile)

	mode, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mode != ModeTmux {
		t.Fatalf("mode = %s, want tmux", mode)
	}

	if !runner.called("tmux", "new-session", "-d", "-s", "forge-test") {
		t.Error("expected a detached new-session")
	}
	// Three agents: two splits at 33% then 50% of the remaining space.
	var pcts []string
	for _, call := range runner.calls {
		if len(call) > 1 && call[1] == "split-window" {
			for i, arg := range call {
				if arg == "-p" && i+1 < len(call) {
					pcts = append(pcts, call[i+1])
				}
			}
		}
	}
	if len(pcts) != 2 || pcts[0] != "33" || pcts[1] != "50" {
		t.Errorf("split percentages = %v, want [33 50]", pcts)
	}
	if !runner.called("tmux", "select-layout", "-t", "forge-test", "even-horizontal") {
		t.Error("expected layout equalization after splits")
	}
}

func TestCreate_PersonaInjectedByKeystrokes(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes, PersonaFile: "persona.md"}
	s, runner, dir := newTestSupervisor(t, testConfig(1), profile)

	personaDir := filepath.Join(dir, "personas", "worker")
	if err := os.MkdirAll(personaDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(personaDir, "persona.md"), []byte("You review code."), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var injected bool
	for _, call := range runner.calls {
		if len(call) > 1 && call[1] == "send-keys" {
			for _, arg := range call {
				if strings.Contains(arg, "You review code.") {
					injected = true
				}
			}
		}
	}
	if !injected {
		t.Error("worker persona was never sent as keystrokes")
	}
}

func TestCreate_StartupArgCarriesPersona(t *testing.T) {
	profile := agentprofile.Profile{Name: "codex", Command: "codex", Injection: agentprofile.InjectStartupArg, PersonaFile: "persona.md"}
	s, runner, dir := newTestSupervisor(t, testConfig(1), profile)

	personaDir := filepath.Join(dir, "personas", "master")
	if err := os.MkdirAll(personaDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(personaDir, "persona.md"), []byte("You coordinate."), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var launched bool
	for _, call := range runner.calls {
		if len(call) > 1 && call[1] == "new-session" {
			last := call[len(call)-1]
			if strings.HasPrefix(last, "codex") && strings.Contains(last, "You coordinate.") {
				launched = true
			}
		}
	}
	if !launched {
		t.Error("master launch command should embed the persona argument")
	}
	// No keystroke injection for startup-arg profiles.
	if runner.called("tmux", "send-keys") {
		t.Error("startup-arg profile must not use send-keys for personas")
	}
}

func TestCreate_FallsBackToHeadless(t *testing.T) {
	// Empty command makes headless agents run the heartbeat loop, which
	// is a real process this test must reap.
	profile := agentprofile.Profile{Name: "custom", Injection: agentprofile.InjectKeystrokes}
	s, runner, dir := newTestSupervisor(t, testConfig(1), profile)
	runner.failAll = errors.New(`exec: "tmux": executable file not found in $PATH`)
	t.Cleanup(func() { _ = s.headless.Kill() })

	mode, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mode != ModeHeadless {
		t.Fatalf("mode = %s, want headless", mode)
	}

	state, ok := s.headless.LoadState()
	if !ok {
		t.Fatal("headless state should be persisted")
	}
	if len(state.Agents) != 2 {
		t.Errorf("headless agents = %v, want master + worker-1", state.Agents)
	}
	if state.SessionName != "forge-test" || state.Mode != ModeHeadless {
		t.Errorf("state header = %s/%s, want forge-test/headless", state.SessionName, state.Mode)
	}
	if !strings.Contains(state.HostFailureReason, "executable file not found") {
		t.Errorf("host failure reason = %q", state.HostFailureReason)
	}
	for _, a := range state.Agents {
		if a.PID <= 0 {
			t.Errorf("agent %s has no PID", a.ID)
		}
		if _, err := os.Stat(a.LogPath); err != nil {
			t.Errorf("agent %s log missing: %v", a.ID, err)
		}
		if a.WorkDir == "" {
			t.Errorf("agent %s has no work dir", a.ID)
		}
	}

	if s.Mode() != ModeHeadless || !s.Exists() {
		t.Errorf("Mode = %s, Exists = %v", s.Mode(), s.Exists())
	}

	// A second create is a no-op on a live session.
	mode, err = s.Create(context.Background())
	if err != nil || mode != ModeHeadless {
		t.Errorf("re-create = %s (%v)", mode, err)
	}

	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if s.Exists() {
		t.Error("session should be gone after Kill")
	}
	if _, err := os.Stat(filepath.Join(dir, "cache", snapshotFile)); err != nil {
		t.Errorf("kill should snapshot session metadata: %v", err)
	}
}

func TestCreate_TransientTmuxErrorDoesNotFallBack(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes}
	s, runner, _ := newTestSupervisor(t, testConfig(1), profile)
	runner.errs[key("tmux", "select-layout", "-t", "forge-test", "even-horizontal")] = errors.New("invalid layout")

	if _, err := s.Create(context.Background()); err == nil {
		t.Fatal("a transient tmux failure must propagate, not fall back")
	}
	if s.headless.Exists() {
		t.Error("no headless session should exist after a transient failure")
	}
}

func TestNotify_TmuxSendsNotice(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes}
	s, runner, _ := newTestSupervisor(t, testConfig(1), profile)

	if _, err := s.Create(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Session now exists.
	delete(runner.errs, key("tmux", "has-session", "-t", "forge-test"))
	runner.calls = nil

	m := mail.New(mail.KindTask, "master", "worker-1", "do it", mail.PriorityHigh)
	m.TaskID = "task-ab12cd34"
	if err := s.Notify(context.Background(), "worker-1", m); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var noticed bool
	for _, call := range runner.calls {
		if len(call) > 1 && call[1] == "send-keys" {
			for _, arg := range call {
				if strings.Contains(arg, "task-ab12cd34") {
					noticed = true
				}
			}
		}
	}
	if !noticed {
		t.Error("notification keystrokes should name the task")
	}
}

func TestNotify_FreshProcessDiscoversPaneByTitle(t *testing.T) {
	// A supervisor in a new process (forge monitor) has never created the
	// session, so pane targets must come from the live pane titles.
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes}
	s, runner, _ := newTestSupervisor(t, testConfig(2), profile)
	delete(runner.errs, key("tmux", "has-session", "-t", "forge-test"))
	runner.outs[key("tmux", "list-panes", "-t", "forge-test", "-F", "#{pane_index}:#{pane_title}")] = "0:master\n1:worker-1\n2:worker-2"

	m := mail.New(mail.KindTask, "master", "worker-2", "do it", mail.PriorityHigh)
	if err := s.Notify(context.Background(), "worker-2", m); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var target string
	for _, call := range runner.calls {
		if len(call) > 3 && call[1] == "send-keys" && call[2] == "-t" {
			target = call[3]
			break
		}
	}
	if target != "forge-test:0.2" {
		t.Errorf("send-keys target = %q, want forge-test:0.2", target)
	}

	m2 := mail.New(mail.KindTask, "master", "worker-9", "lost", mail.PriorityLow)
	if err := s.Notify(context.Background(), "worker-9", m2); err == nil {
		t.Error("notifying an agent with no titled pane must fail")
	}
}

func TestChunkText(t *testing.T) {
	long := strings.Repeat("x", 1250)
	chunks := chunkText(long, 500)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[2]) != 250 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original text")
	}
	if got := chunkText("short", 500); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text = %v", got)
	}
}

func TestHeadlessHost_SpawnAndKill(t *testing.T) {
	dir := t.TempDir()
	reg, err := supervisor.NewRegistry(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHeadlessHost(dir, reg, logging.Discard())
	t.Cleanup(func() { _ = h.Kill() })

	agent, err := h.Spawn("worker-1", RoleWorker, dir, "sleep 60")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.SaveState(HeadlessState{CreatedAt: time.Now(), Agents: []HeadlessAgent{agent}}); err != nil {
		t.Fatal(err)
	}

	if !reg.IsRunning("worker-1") {
		t.Error("spawned agent should be live in the registry")
	}
	if !h.Exists() {
		t.Error("Exists should see the live session")
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if h.Exists() {
		t.Error("session should be gone after Kill")
	}
	if _, ok := reg.Get("worker-1"); ok {
		t.Error("killed agent should be unregistered")
	}
}

func TestHeadlessHost_StaleStateReaped(t *testing.T) {
	dir := t.TempDir()
	reg, err := supervisor.NewRegistry(dir, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHeadlessHost(dir, reg, logging.Discard())

	// State pointing at agents that were never registered (e.g. after a
	// reboot) is stale.
	stale := HeadlessState{CreatedAt: time.Now().Add(-24 * time.Hour), Agents: []HeadlessAgent{{ID: "worker-1", PID: 4000000}}}
	if err := h.SaveState(stale); err != nil {
		t.Fatal(err)
	}

	if h.Exists() {
		t.Error("stale state must not count as a live session")
	}
	if _, ok := h.LoadState(); ok {
		t.Error("stale state file should be removed on sight")
	}
}

func TestSupervisor_RestartUnknownAgent(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude"}
	s, _, _ := newTestSupervisor(t, testConfig(1), profile)
	if err := s.Restart(context.Background(), "worker-9"); err == nil {
		t.Error("restarting an agent outside the roster must fail")
	}
}

func TestLaunchCommand(t *testing.T) {
	profile := agentprofile.Profile{Name: "gemini", Command: "gemini", Args: []string{"-i"}, Injection: agentprofile.InjectStartupArg, PersonaFile: "persona.md"}
	s, _, _ := newTestSupervisor(t, testConfig(1), profile)

	got := s.launchCommand(Agent{ID: "worker-1", Role: RoleWorker})
	if got != "gemini -i" {
		t.Errorf("launch command without persona = %q", got)
	}
}

func TestLaunchCommand_RoleOverridesProfile(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude", Injection: agentprofile.InjectKeystrokes}
	cfg := testConfig(1)
	cfg.Workers.Command = "llama"
	cfg.Workers.Args = []string{"--fast"}
	s, _, _ := newTestSupervisor(t, cfg, profile)

	if got := s.launchCommand(Agent{ID: "worker-1", Role: RoleWorker}); got != "llama --fast" {
		t.Errorf("worker launch command = %q, want llama --fast", got)
	}
	// The master has no override and keeps the profile command.
	if got := s.launchCommand(Agent{ID: "master", Role: RoleMaster}); got != "claude" {
		t.Errorf("master launch command = %q, want claude", got)
	}
	if got := s.headlessCommand(Agent{ID: "worker-1", Role: RoleWorker}); got != "llama --fast" {
		t.Errorf("worker headless command = %q, want llama --fast", got)
	}
}

func TestSupervisor_AttachStates(t *testing.T) {
	profile := agentprofile.Profile{Name: "claude", Command: "claude"}
	s, _, _ := newTestSupervisor(t, testConfig(1), profile)

	if err := s.Attach(); err == nil {
		t.Error("attach with no session must fail")
	}
	if err := s.Kill(); err == nil {
		t.Error("kill with no session must fail")
	}
}
