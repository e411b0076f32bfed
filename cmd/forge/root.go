package main

import (
	"github.com/spf13/cobra"

	"forge/internal/version"
)

// newRootCmd creates the root forge command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "forge",
		Short:         "Forge multi-agent session coordinator",
		Long:          "forge runs a master/worker swarm of CLI agents in one tmux session,\ncoordinating them through a file-based mailbox and task queue.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("forge {{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newAttachCmd(),
		newKillCmd(),
		newStatusCmd(),
		newMonitorCmd(),
		newSendCmd(),
		newLogsCmd(),
	)

	return cmd
}
