package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"forge/pkg/mail"
	"forge/pkg/task"
)

// newStatusCmd creates the "forge status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, agent, task, and mailbox state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatus(cmd.OutOrStdout(), a)
		},
	}
}

// printStatus renders the status report.
func printStatus(w io.Writer, a *app) error {
	fmt.Fprintf(w, "session: %s\n", a.session.Mode())

	fmt.Fprintln(w, "\nagents:")
	records := a.registry.List()
	if len(records) == 0 {
		fmt.Fprintln(w, "  none registered")
	}
	for _, rec := range records {
		state := "dead"
		if a.registry.IsRunning(rec.AgentID) {
			state = "running"
			if stats, err := a.registry.Stats(rec.AgentID); err == nil {
				fmt.Fprintf(w, "  %-12s %-8s pid %-7d cpu %5.1f%%  mem %6.1fMB\n",
					rec.AgentID, state, rec.PID, stats.CPUPercent, stats.MemoryMB)
				continue
			}
		}
		fmt.Fprintf(w, "  %-12s %-8s pid %d\n", rec.AgentID, state, rec.PID)
	}

	tasks, err := task.NewStore(a.workDir, a.log)
	if err != nil {
		return err
	}
	stats := tasks.Statistics()
	fmt.Fprintf(w, "\ntasks: %d total", stats.Total)
	for _, st := range []task.Status{task.StatusPending, task.StatusInProgress, task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
		if n := stats.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, ", %d %s", n, st)
		}
	}
	fmt.Fprintln(w)

	mailbox, err := mail.NewStore(a.workDir, a.log)
	if err != nil {
		return err
	}
	workers, err := mailbox.Workers()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\nmailboxes:")
	masterCount, err := mailbox.Count(mail.MasterID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %-12s %d waiting\n", mail.MasterID, masterCount)
	for _, worker := range workers {
		n, err := mailbox.Count(worker)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-12s %d waiting\n", worker, n)
	}
	return nil
}
