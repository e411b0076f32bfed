package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	agent  string
	lines  int
	follow bool
	all    bool
	list   bool
}

// newLogsCmd creates the "forge logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View agent and forge log files",
		Long:  "Tails the forge log or a single agent's log. --list summarizes the\navailable log files; --all dumps every agent log in sequence.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workDir, err := requireWorkDir()
			if err != nil {
				return err
			}
			logDir := filepath.Join(workDir, "logs")
			w := cmd.OutOrStdout()

			switch {
			case cfg.list:
				return listLogs(w, logDir)
			case cfg.all:
				return dumpAllLogs(w, logDir, cfg.lines)
			}

			name := "forge.log"
			if cfg.agent != "" {
				name = cfg.agent + ".log"
			}
			path := filepath.Join(logDir, name)
			if cfg.follow {
				return followLog(cmd.Context(), w, path)
			}
			return tailLog(w, path, cfg.lines)
		},
	}

	cmd.Flags().StringVar(&cfg.agent, "agent", "", "agent whose log to show (default the forge log)")
	cmd.Flags().IntVar(&cfg.lines, "lines", 20, "number of trailing lines to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new lines every second")
	cmd.Flags().BoolVar(&cfg.all, "all", false, "show every agent log")
	cmd.Flags().BoolVar(&cfg.list, "list", false, "list log files with sizes")

	return cmd
}

// listLogs prints each log file with its size.
func listLogs(w io.Writer, logDir string) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(w, "no log files")
		return nil
	}
	var total int64
	for _, name := range names {
		info, err := os.Stat(filepath.Join(logDir, name))
		if err != nil {
			continue
		}
		total += info.Size()
		fmt.Fprintf(w, "%-20s %8.1fKB  %s\n", name, float64(info.Size())/1024, info.ModTime().Format(time.DateTime))
	}
	fmt.Fprintf(w, "%d file(s), %.1fKB total\n", len(names), float64(total)/1024)
	return nil
}

// dumpAllLogs prints the tail of every agent log.
func dumpAllLogs(w io.Writer, logDir string, lines int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "==> %s <==\n", name)
		if err := tailLog(w, filepath.Join(logDir, name), lines); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}

// tailLog prints the last n lines of a file. Zero or negative n prints
// nothing.
func tailLog(w io.Writer, path string, n int) error {
	f, err := os.Open(path) //nolint:gosec // path is confined to the log directory
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if n <= 0 {
		return nil
	}

	// Logs stay small enough to ring-buffer line by line.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	for _, line := range ring {
		fmt.Fprintln(w, line)
	}
	return nil
}

// followLog prints new lines as they are appended, polling once a second
// until the context is cancelled.
func followLog(ctx context.Context, w io.Writer, path string) error {
	var offset int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	emit := func() error {
		f, err := os.Open(path) //nolint:gosec // path is confined to the log directory
		if err != nil {
			return nil // not created yet; keep waiting
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset = 0 // truncated/rotated; start over
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(w, f)
		offset += n
		return err
	}

	if err := emit(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
		}
	}
}
