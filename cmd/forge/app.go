package main

import (
	"fmt"
	"log/slog"

	"forge/pkg/agentprofile"
	"forge/pkg/config"
	"forge/pkg/logging"
	"forge/pkg/session"
	"forge/pkg/supervisor"
)

// app bundles the wiring every command needs: work directory, config,
// logger, and the session machinery.
type app struct {
	workDir  string
	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
	registry *supervisor.Registry
	session  *session.Supervisor
}

// newApp wires an app over an existing work directory.
func newApp() (*app, error) {
	workDir, err := requireWorkDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.New(workDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	profiles, err := agentprofile.Load(workDir)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	profile, err := agentprofile.Get(profiles, cfg.AgentType)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("agent_type %q: %w", cfg.AgentType, err)
	}

	registry, err := supervisor.NewRegistry(workDir, log)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &app{
		workDir:  workDir,
		cfg:      cfg,
		log:      log,
		closeLog: closeLog,
		registry: registry,
		session:  session.NewSupervisor(workDir, cfg, profile, registry, log),
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
