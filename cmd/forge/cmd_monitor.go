package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"forge/pkg/distributor"
	"forge/pkg/health"
	"forge/pkg/mail"
	"forge/pkg/task"
)

// newMonitorCmd creates the "forge monitor" subcommand: the combined
// distribution and health loop.
func newMonitorCmd() *cobra.Command {
	var interval time.Duration
	var maxIterations int

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the task distribution and health monitoring loop",
		Long:  "Watches worker mailboxes, notifies workers of assigned tasks, marks\ncompletions, and recovers unhealthy agents. Runs until interrupted\nor, with --max-iterations, for a bounded number of rounds.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := task.NewStore(a.workDir, a.log)
			if err != nil {
				return err
			}
			mailbox, err := mail.NewStore(a.workDir, a.log)
			if err != nil {
				return err
			}
			assignments, err := distributor.OpenAssignmentStore(a.workDir)
			if err != nil {
				return err
			}
			defer func() { _ = assignments.Close() }()

			history, err := health.NewFileHistoryStore(a.workDir)
			if err != nil {
				return err
			}

			if interval <= 0 {
				interval = a.cfg.HealthCheckInterval()
			}

			dist := distributor.New(a.workDir, tasks, mailbox, assignments, a.session, distributor.Config{
				PollInterval:  interval,
				MaxIterations: maxIterations,
			}, a.log)

			monitor := health.NewMonitor(a.registry, history, a.session, health.Config{
				Interval:      interval,
				RetryAttempts: a.cfg.Monitoring.RetryAttempts,
				RetryDelay:    a.cfg.RetryDelay(),
			}, a.log)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go monitor.Run(ctx)
			defer monitor.Stop()

			sum := dist.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "distribution summary: %d total, %d notified, %d completed, %d pending\n",
				sum.Total, sum.Notified, sum.Completed, sum.Pending)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after N rounds (0 = run until interrupted)")

	return cmd
}
