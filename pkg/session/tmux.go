package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// warmupDelay is how long a freshly launched agent gets before persona
// keystrokes are sent. Agent TUIs need time to render their input field
// before pasted text registers.
const warmupDelay = 3 * time.Second

// sendKeysDebounce is the delay between typing text into a pane and
// pressing Enter, so the TUI's render loop processes the paste first.
const sendKeysDebounce = 500 * time.Millisecond

// keystrokeChunkSize bounds one send-keys payload. Long personas are
// delivered in chunks because tmux truncates oversized literals.
const keystrokeChunkSize = 500

// TmuxHost drives one tmux session holding every agent in its own pane:
// the master in pane 0 and workers in creation order after it.
type TmuxHost struct {
	Name    string
	Runner  CmdRunner
	Sleeper func(time.Duration) // optional; overrides time.Sleep for testing

	panes map[string]int
}

// NewTmuxHost creates a TmuxHost with the default ExecRunner.
func NewTmuxHost(name string) *TmuxHost {
	return &TmuxHost{Name: name, Runner: &ExecRunner{}, panes: make(map[string]int)}
}

func (h *TmuxHost) sleep(d time.Duration) {
	if h.Sleeper != nil {
		h.Sleeper(d)
		return
	}
	time.Sleep(d)
}

// Exists checks whether the named tmux session is running.
func (h *TmuxHost) Exists() bool {
	_, err := h.Runner.Run("tmux", "has-session", "-t", h.Name)
	return err == nil
}

// PaneSpec describes one pane to create: which agent it hosts, the
// directory it starts in, and the command that becomes the pane process.
type PaneSpec struct {
	AgentID string
	Dir     string
	Command string
}

// Create builds the session: a detached session whose first pane hosts
// specs[0], then one split per remaining spec. Each split takes
// 100/(remaining+1) percent of the current pane, where remaining counts
// the panes still to be placed including the current one; select-layout
// evens out the rounding afterwards.
func (h *TmuxHost) Create(specs []PaneSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("create session %s: no panes to create", h.Name)
	}
	if h.panes == nil {
		h.panes = make(map[string]int)
	}

	first := specs[0]
	if _, err := h.Runner.Run("tmux", "new-session", "-d", "-s", h.Name, "-c", first.Dir, first.Command); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	h.panes[first.AgentID] = 0

	for i, spec := range specs[1:] {
		remaining := len(specs) - 1 - i
		pct := 100 / (remaining + 1)
		if _, err := h.Runner.Run("tmux", "split-window", "-t", h.Name, "-h",
			"-p", fmt.Sprintf("%d", pct), "-c", spec.Dir, spec.Command); err != nil {
			return fmt.Errorf("tmux split-window for %s: %w", spec.AgentID, err)
		}
		h.panes[spec.AgentID] = i + 1
	}

	if _, err := h.Runner.Run("tmux", "select-layout", "-t", h.Name, "even-horizontal"); err != nil {
		return fmt.Errorf("tmux select-layout: %w", err)
	}

	for _, spec := range specs {
		if _, err := h.Runner.Run("tmux", "select-pane", "-t", fmt.Sprintf("%s:0.%d", h.Name, h.panes[spec.AgentID]), "-T", spec.AgentID); err != nil {
			return fmt.Errorf("tmux pane title for %s: %w", spec.AgentID, err)
		}
	}
	return nil
}

// paneTarget returns the tmux target string for an agent's pane. The
// in-memory map only covers panes created by this process; for a session
// created by an earlier invocation the map is rebuilt from the pane
// titles set during Create.
func (h *TmuxHost) paneTarget(agentID string) (string, error) {
	if _, ok := h.panes[agentID]; !ok {
		if err := h.refreshPanes(); err != nil {
			return "", err
		}
	}
	idx, ok := h.panes[agentID]
	if !ok {
		return "", fmt.Errorf("no pane titled %s in session %s", agentID, h.Name)
	}
	return fmt.Sprintf("%s:0.%d", h.Name, idx), nil
}

// refreshPanes rebuilds the agent→pane map from the live session's pane
// titles.
func (h *TmuxHost) refreshPanes() error {
	out, err := h.Runner.Run("tmux", "list-panes", "-t", h.Name, "-F", "#{pane_index}:#{pane_title}")
	if err != nil {
		return fmt.Errorf("tmux list-panes: %w", err)
	}
	if h.panes == nil {
		h.panes = make(map[string]int)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		indexPart, title, ok := strings.Cut(line, ":")
		if !ok || title == "" {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(strings.TrimSpace(indexPart), "%d", &idx); err != nil {
			continue
		}
		h.panes[strings.TrimSpace(title)] = idx
	}
	return nil
}

// SendText types text into an agent's pane and presses Enter. Text longer
// than one chunk is delivered in pieces with a debounce between the final
// chunk and Enter.
func (h *TmuxHost) SendText(agentID, text string) error {
	target, err := h.paneTarget(agentID)
	if err != nil {
		return err
	}
	for _, chunk := range chunkText(text, keystrokeChunkSize) {
		if _, err := h.Runner.Run("tmux", "send-keys", "-t", target, "-l", chunk); err != nil {
			return fmt.Errorf("tmux send-keys to %s: %w", target, err)
		}
	}
	h.sleep(sendKeysDebounce)
	if _, err := h.Runner.Run("tmux", "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("tmux send Enter to %s: %w", target, err)
	}
	return nil
}

// chunkText splits text into size-bounded pieces.
func chunkText(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}

// PanePID returns the PID of the process running in an agent's pane.
func (h *TmuxHost) PanePID(agentID string) (int32, error) {
	target, err := h.paneTarget(agentID)
	if err != nil {
		return 0, err
	}
	out, err := h.Runner.Run("tmux", "display-message", "-p", "-t", target, "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("tmux pane pid for %s: %w", agentID, err)
	}
	var pid int32
	if _, err := fmt.Sscanf(strings.TrimSpace(out), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parse pane pid %q for %s: %w", out, agentID, err)
	}
	return pid, nil
}

// RespawnPane kills the process in an agent's pane and restarts it with
// the given command.
func (h *TmuxHost) RespawnPane(agentID, dir, command string) error {
	target, err := h.paneTarget(agentID)
	if err != nil {
		return err
	}
	if _, err := h.Runner.Run("tmux", "respawn-pane", "-k", "-t", target, "-c", dir, command); err != nil {
		return fmt.Errorf("tmux respawn-pane for %s: %w", agentID, err)
	}
	return nil
}

// WarmUp waits for a launched agent to be ready for keystrokes.
func (h *TmuxHost) WarmUp() {
	h.sleep(warmupDelay)
}

// Kill destroys the session.
func (h *TmuxHost) Kill() error {
	if _, err := h.Runner.Run("tmux", "kill-session", "-t", h.Name); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

// Attach attaches to the session with real terminal I/O. It bypasses the
// CmdRunner to connect stdin/stdout/stderr directly and blocks until the
// session is detached or exits.
func (h *TmuxHost) Attach() error {
	cmd := exec.CommandContext(context.Background(), "tmux", "attach-session", "-t", h.Name) //nolint:gosec // session name is configuration, not user input
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux attach-session: %w", err)
	}
	return nil
}
