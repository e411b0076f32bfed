package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"forge/pkg/supervisor"
	"forge/pkg/task"
)

func TestTruncateCell(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"worker-1", 14, "worker-1"},
		{"a-very-long-agent-name", 10, "a-very-lo…"},
		{"ab", 2, "ab"},
		{"abc", 1, "a"},
	}
	for _, tt := range tests {
		if got := truncateCell(tt.in, tt.width); got != tt.want {
			t.Errorf("truncateCell(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestHeadlessModel_SnapshotUpdatesView(t *testing.T) {
	m := newHeadlessModel(nil)

	snap := snapshotMsg{
		agents: []agentRow{
			{
				record:  supervisor.Record{AgentID: "master", Role: "master", PID: 101},
				running: true,
				stats:   supervisor.Stats{CPUPercent: 12.5, MemoryMB: 256},
				hasStat: true,
				waiting: 2,
			},
			{
				record: supervisor.Record{AgentID: "worker-1", Role: "worker", PID: 102},
			},
		},
		taskStats: task.Statistics{
			Total:    3,
			ByStatus: map[task.Status]int{task.StatusPending: 2, task.StatusCompleted: 1},
		},
	}

	updated, _ := m.Update(snap)
	view := updated.(headlessModel).View()

	for _, want := range []string{"master", "worker-1", "running", "dead", "12.5%", "256.0MB", "Pending:"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestHeadlessModel_EmptyAgents(t *testing.T) {
	m := newHeadlessModel(nil)
	if !strings.Contains(m.View(), "No registered agents") {
		t.Error("empty model should show the placeholder")
	}
}

func TestHeadlessModel_QuitKeys(t *testing.T) {
	m := newHeadlessModel(nil)
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Error("q should quit")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Error("ctrl+c should quit")
	}
}
