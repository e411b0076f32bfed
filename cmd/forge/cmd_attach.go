package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forge/pkg/session"
)

// newAttachCmd creates the "forge attach" subcommand.
func newAttachCmd() *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to the agent session",
		Long:  "Attaches the terminal to the running tmux session. Headless sessions\nget a live status view instead. With --create, a missing session is\nstarted first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.session.Exists() {
				if !create {
					return fmt.Errorf("no session running; use --create to start one")
				}
				mode, err := a.session.Create(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session created (%s mode)\n", mode)
			}

			if a.session.Mode() == session.ModeHeadless {
				return runHeadlessView(cmd, a)
			}
			return a.session.Attach()
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "create the session if it does not exist")

	return cmd
}
