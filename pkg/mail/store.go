package mail

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"forge/pkg/fsutil"
	"forge/pkg/task"
)

// Directory names of the two-directory transport. Master-authored messages
// land in the recipient's inbox; worker-authored messages land in the
// sender's outbox, which the master reads.
const (
	dirMasterToWorker = "master_to_worker"
	dirWorkerToMaster = "worker_to_master"
)

// MasterID is the well-known agent ID of the master.
const MasterID = "master"

// Store routes messages through per-agent mailbox directories under
// <workdir>/communication. The store guarantees a reader never observes a
// partially written document; it does not guard against two consumers
// racing to delete the same message (at-most-once consumption is consumer
// discipline).
type Store struct {
	commDir string
	log     *slog.Logger
}

// NewStore creates a Store rooted at workDir/communication, creating the
// transport directories if necessary.
func NewStore(workDir string, log *slog.Logger) (*Store, error) {
	commDir := filepath.Join(workDir, "communication")
	for _, d := range []string{dirMasterToWorker, dirWorkerToMaster} {
		if err := fsutil.EnsureDir(filepath.Join(commDir, d)); err != nil {
			return nil, err
		}
	}
	return &Store{commDir: commDir, log: log}, nil
}

// dirFor returns the directory a message is routed to based on who wrote it.
func (s *Store) dirFor(m Message) string {
	if m.Sender == MasterID {
		return filepath.Join(s.commDir, dirMasterToWorker, m.Recipient)
	}
	return filepath.Join(s.commDir, dirWorkerToMaster, m.Sender)
}

// Send persists the message to the recipient's mailbox directory. The
// write is atomic: temp file plus rename.
func (s *Store) Send(m Message) error {
	dir := s.dirFor(m)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, m.Filename())
	if err := fsutil.WriteFileAtomic(path, []byte(m.Encode()), 0o600); err != nil {
		return fmt.Errorf("send message %s: %w", m.ID, err)
	}
	s.log.Debug("sent message", "id", m.ID, "from", m.Sender, "to", m.Recipient, "kind", m.Kind)
	return nil
}

// Receive returns the messages waiting for agentID, optionally filtered by
// kind, in lexicographic filename order. Messages that fail to decode or
// fail checksum verification are logged and skipped; corruption is never
// fatal to the batch.
func (s *Store) Receive(agentID string, kind Kind) ([]Message, error) {
	paths, err := s.listFiles(agentID, kind)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // paths come from our own directory listing
		if err != nil {
			s.log.Warn("read mailbox file", "path", path, "error", err)
			continue
		}
		m, err := Decode(string(data))
		if err != nil {
			s.log.Warn("skipping malformed message", "path", path, "error", err)
			continue
		}
		if err := m.Validate(); err != nil {
			s.log.Warn("skipping corrupt message", "path", path, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Delete removes exactly one message file matching message ID for the
// agent. Returns false when no matching file exists.
func (s *Store) Delete(agentID, messageID string) (bool, error) {
	paths, err := s.listFiles(agentID, "")
	if err != nil {
		return false, err
	}
	prefix := messageID + "_"
	for _, path := range paths {
		if strings.HasPrefix(filepath.Base(path), prefix) {
			if err := os.Remove(path); err != nil {
				return false, fmt.Errorf("delete message %s: %w", messageID, err)
			}
			s.log.Debug("deleted message", "id", messageID, "agent", agentID)
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of messages waiting for the agent.
func (s *Store) Count(agentID string) (int, error) {
	paths, err := s.listFiles(agentID, "")
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// Clear removes all messages, or all messages addressed to agentID when it
// is non-empty. Returns the number removed.
func (s *Store) Clear(agentID string) (int, error) {
	var roots []string
	if agentID == "" {
		roots = []string{
			filepath.Join(s.commDir, dirMasterToWorker),
			filepath.Join(s.commDir, dirWorkerToMaster),
		}
	} else if agentID == MasterID {
		roots = []string{filepath.Join(s.commDir, dirWorkerToMaster)}
	} else {
		roots = []string{filepath.Join(s.commDir, dirMasterToWorker, agentID)}
	}

	cleared := 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil //nolint:nilerr // unreadable entries are skipped, not fatal
			}
			if os.Remove(path) == nil {
				cleared++
			}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cleared, fmt.Errorf("clear mailbox %s: %w", root, err)
		}
	}
	s.log.Info("cleared messages", "count", cleared, "agent", agentID)
	return cleared, nil
}

// Workers returns the worker IDs that currently have a mailbox directory
// under the master→worker tree.
func (s *Store) Workers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.commDir, dirMasterToWorker))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list worker mailboxes: %w", err)
	}
	var workers []string
	for _, e := range entries {
		if e.IsDir() {
			workers = append(workers, e.Name())
		}
	}
	sort.Strings(workers)
	return workers, nil
}

// listFiles returns the sorted mailbox file paths for an agent. The master
// reads the entire worker→master tree; a worker reads only its own inbox.
func (s *Store) listFiles(agentID string, kind Kind) ([]string, error) {
	suffix := ".md"
	if kind != "" {
		suffix = fmt.Sprintf("_%s.md", kind)
	}

	var paths []string
	collect := func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		paths = append(paths, path)
		return nil
	}

	var root string
	if agentID == MasterID {
		root = filepath.Join(s.commDir, dirWorkerToMaster)
	} else {
		root = filepath.Join(s.commDir, dirMasterToWorker, agentID)
	}
	if err := filepath.WalkDir(root, collect); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list mailbox %s: %w", root, err)
	}

	// Lexicographic by filename so creation order is preserved for IDs
	// designed to sort.
	sort.Slice(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
	return paths, nil
}

// NewTaskMessage builds the task-notification message for a worker: the
// body carries the objective, requirements, and expected output sections,
// and the metadata block carries the task ID for correlation.
func NewTaskMessage(t task.Task, sender, recipient string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "### Objective\n%s\n\n", t.Description)
	b.WriteString("### Requirements\n")
	for _, req := range t.Requirements {
		fmt.Fprintf(&b, "- %s\n", req)
	}
	fmt.Fprintf(&b, "\n### Expected Output\n%s\n", t.ExpectedOutput)

	m := New(KindTask, sender, recipient, b.String(), Priority(t.Priority))
	m.TaskID = t.ID
	// TaskID is outside the digest inputs, so no recompute is needed; the
	// checksum set by New stays valid.
	return m
}
