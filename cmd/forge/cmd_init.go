package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forge/pkg/config"
	"forge/pkg/fsutil"
	"forge/pkg/session"
)

// workTree lists the directories init creates under the work directory.
var workTree = []string{
	"tasks/pending",
	"tasks/in_progress",
	"tasks/completed",
	"communication/master_to_worker",
	"communication/worker_to_master",
	"cache/agent_states",
	"cache/error_records",
	"logs",
	"personas/master",
	"personas/worker",
	"agents",
}

// personaStub is written for each role so a fresh work directory starts
// agents with a minimal identity.
const personaStub = `Describe this agent's responsibilities here.

The %s reads its mailbox under the communication directory and reports
results back through it.
`

// newInitCmd creates the "forge init" subcommand.
func newInitCmd() *cobra.Command {
	var workers int
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the forge work directory",
		Long:  "Creates the .forge work tree (tasks, communication, cache, logs, personas)\nand writes a default configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workDir, err := resolveWorkDir()
			if err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(workDir, config.FileName)); err == nil && !force {
				return fmt.Errorf("%s already initialized; use --force to rewrite the config", workDir)
			}

			for _, d := range workTree {
				if err := fsutil.EnsureDir(filepath.Join(workDir, d)); err != nil {
					return err
				}
			}

			cfg := config.Default()
			if workers > 0 {
				cfg.Workers.Count = workers
			}
			if err := config.Save(workDir, cfg); err != nil {
				return err
			}

			for _, role := range []string{session.RoleMaster, session.RoleWorker} {
				path := filepath.Join(workDir, "personas", role, "persona.md")
				if _, err := os.Stat(path); err == nil {
					continue
				}
				stub := fmt.Sprintf(personaStub, role)
				if err := fsutil.WriteFileAtomic(path, []byte(stub), 0o600); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (%d workers, agent type %s)\n", workDir, cfg.Workers.Count, cfg.AgentType)
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of worker agents (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "rewrite config.yaml if it already exists")

	return cmd
}
