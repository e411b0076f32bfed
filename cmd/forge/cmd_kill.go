package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newKillCmd creates the "forge kill" subcommand.
func newKillCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Tear down the agent session",
		Long:  "Kills the tmux session or the headless agent processes. Session\nmetadata is snapshotted before teardown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.session.Exists() {
				if force {
					// Sweep any stragglers the session lost track of.
					if err := a.registry.StopAll(); err != nil {
						return err
					}
					if _, err := a.registry.CleanupDead(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "no session; stopped stray agent processes")
					return nil
				}
				return fmt.Errorf("no session running")
			}

			if err := a.session.Kill(); err != nil {
				if !force {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; force-stopping tracked processes\n", err)
				if err := a.registry.StopAll(); err != nil {
					return err
				}
			}
			if _, err := a.registry.CleanupDead(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session killed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "stop tracked processes even if orderly teardown fails")

	return cmd
}
