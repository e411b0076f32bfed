package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"forge/pkg/mail"
	"forge/pkg/supervisor"
	"forge/pkg/task"
)

// isStdoutTTY reports whether stdout is an interactive terminal.
func isStdoutTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// runHeadlessView shows the live status view for headless sessions.
// A tmux session would give the operator the agents' own terminals;
// headless mode substitutes this dashboard. Without a TTY it degrades
// to a one-shot status snapshot.
func runHeadlessView(cmd *cobra.Command, a *app) error {
	if !isStdoutTTY() {
		return printStatus(cmd.OutOrStdout(), a)
	}

	p := tea.NewProgram(newHeadlessModel(a), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run headless view: %w", err)
	}
	return nil
}

// viewTheme defines the dashboard colors.
type viewTheme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

func defaultViewTheme() viewTheme {
	return viewTheme{
		Primary: lipgloss.Color("12"),
		Success: lipgloss.Color("10"),
		Warning: lipgloss.Color("11"),
		Error:   lipgloss.Color("9"),
		Muted:   lipgloss.Color("240"),
	}
}

// viewTickMsg triggers a periodic data refresh.
type viewTickMsg time.Time

// agentRow is one agent's line in the dashboard table.
type agentRow struct {
	record  supervisor.Record
	running bool
	stats   supervisor.Stats
	hasStat bool
	waiting int
}

// snapshotMsg carries one refresh of agent, task, and mailbox state.
type snapshotMsg struct {
	agents    []agentRow
	taskStats task.Statistics
	err       error
}

func viewTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return viewTickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads current state from the
// registry and the on-disk stores.
func fetchSnapshotCmd(a *app) tea.Cmd {
	return func() tea.Msg {
		var msg snapshotMsg

		tasks, err := task.NewStore(a.workDir, a.log)
		if err != nil {
			msg.err = err
			return msg
		}
		msg.taskStats = tasks.Statistics()

		mailbox, err := mail.NewStore(a.workDir, a.log)
		if err != nil {
			msg.err = err
			return msg
		}

		for _, rec := range a.registry.List() {
			row := agentRow{record: rec, running: a.registry.IsRunning(rec.AgentID)}
			if row.running {
				if stats, err := a.registry.Stats(rec.AgentID); err == nil {
					row.stats = stats
					row.hasStat = true
				}
			}
			if n, err := mailbox.Count(rec.AgentID); err == nil {
				row.waiting = n
			}
			msg.agents = append(msg.agents, row)
		}
		return msg
	}
}

// headlessModel is the Bubble Tea model for the headless dashboard.
type headlessModel struct {
	app     *app
	theme   viewTheme
	spinner spinner.Model

	agents    []agentRow
	taskStats task.Statistics
	fetched   bool
	err       error

	width  int
	height int
}

func newHeadlessModel(a *app) headlessModel {
	theme := defaultViewTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Primary)
	return headlessModel{app: a, theme: theme, spinner: sp}
}

// Init implements tea.Model.
func (m headlessModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchSnapshotCmd(m.app), viewTickCmd())
}

// Update implements tea.Model.
func (m headlessModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshotCmd(m.app)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.agents = msg.agents
		m.taskStats = msg.taskStats
		m.err = msg.err
		m.fetched = true

	case viewTickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.app), viewTickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m headlessModel) View() string {
	var b strings.Builder
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n\n")
	b.WriteString(m.renderAgentsTable())
	b.WriteString("\n")
	if m.err != nil {
		errStyle := lipgloss.NewStyle().Foreground(m.theme.Error)
		b.WriteString(errStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	helpStyle := lipgloss.NewStyle().Foreground(m.theme.Muted)
	b.WriteString(helpStyle.Render("r refresh · q quit"))
	return b.String()
}

// renderStatusBar renders the headline with session mode and task counts.
func (m headlessModel) renderStatusBar() string {
	mode := lipgloss.NewStyle().Foreground(m.theme.Primary).Bold(true).Render("headless session")

	refresh := m.spinner.View()
	if m.fetched {
		refresh = lipgloss.NewStyle().Foreground(m.theme.Success).Render("●")
	}

	pending := m.taskStats.ByStatus[task.StatusPending]
	inProgress := m.taskStats.ByStatus[task.StatusInProgress]
	completed := m.taskStats.ByStatus[task.StatusCompleted]

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		refresh,
		lipgloss.NewStyle().Render(" "+mode),
		lipgloss.NewStyle().Render(" | Agents: "),
		lipgloss.NewStyle().Foreground(m.theme.Primary).Render(fmt.Sprintf("%d", len(m.agents))),
		lipgloss.NewStyle().Render(" | Pending: "),
		lipgloss.NewStyle().Foreground(m.theme.Warning).Render(fmt.Sprintf("%d", pending)),
		lipgloss.NewStyle().Render(" | In Progress: "),
		lipgloss.NewStyle().Foreground(m.theme.Primary).Render(fmt.Sprintf("%d", inProgress)),
		lipgloss.NewStyle().Render(" | Completed: "),
		lipgloss.NewStyle().Foreground(m.theme.Success).Render(fmt.Sprintf("%d", completed)),
	)
}

// renderAgentsTable renders one row per registered agent.
func (m headlessModel) renderAgentsTable() string {
	if len(m.agents) == 0 {
		muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
		return muted.Render("No registered agents")
	}

	headers := []string{"Agent", "Role", "PID", "State", "CPU", "Memory", "Mail"}
	widths := []int{14, 8, 8, 8, 7, 10, 5}

	var sb strings.Builder
	headerParts := make([]string, 0, len(headers))
	for i, h := range headers {
		style := lipgloss.NewStyle().Width(widths[i]).Bold(true).Foreground(m.theme.Primary)
		headerParts = append(headerParts, style.Render(h))
	}
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 66))
	sb.WriteString("\n")

	for _, row := range m.agents {
		sb.WriteString(m.renderAgentRow(row, widths))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m headlessModel) renderAgentRow(row agentRow, widths []int) string {
	cell := func(i int, s string) string {
		return lipgloss.NewStyle().Width(widths[i]).Render(truncateCell(s, widths[i]))
	}

	stateStyle := lipgloss.NewStyle().Foreground(m.theme.Error)
	state := "dead"
	if row.running {
		stateStyle = lipgloss.NewStyle().Foreground(m.theme.Success)
		state = "running"
	}

	cpu, mem := "-", "-"
	if row.hasStat {
		cpu = fmt.Sprintf("%.1f%%", row.stats.CPUPercent)
		mem = fmt.Sprintf("%.1fMB", row.stats.MemoryMB)
	}

	cells := []string{
		cell(0, row.record.AgentID),
		cell(1, row.record.Role),
		cell(2, fmt.Sprintf("%d", row.record.PID)),
		lipgloss.NewStyle().Width(widths[3]).Render(stateStyle.Render(state)),
		cell(4, cpu),
		cell(5, mem),
		cell(6, fmt.Sprintf("%d", row.waiting)),
	}
	return strings.Join(cells, " ")
}

// truncateCell shortens a cell value to fit its column.
func truncateCell(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 1 {
		return s[:width]
	}
	return s[:width-1] + "…"
}
