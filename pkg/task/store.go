package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"forge/pkg/fsutil"
)

// lockTimeout bounds how long a status move waits for the advisory lock
// held by a concurrent CLI invocation.
const lockTimeout = 5 * time.Second

// Store is the durable task store. It keeps an in-memory index rebuilt
// from disk at construction; the files are the source of truth.
type Store struct {
	tasksDir string
	log      *slog.Logger

	mu    sync.Mutex
	tasks map[string]Task

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewStore creates the status directories if needed and rebuilds the index
// by scanning all three of them. A task file present on disk is trusted as
// ground truth; there is no separate recovery log.
func NewStore(workDir string, log *slog.Logger) (*Store, error) {
	s := &Store{
		tasksDir: filepath.Join(workDir, "tasks"),
		log:      log,
		tasks:    make(map[string]Task),
		nowFunc:  time.Now,
	}
	for _, st := range []Status{StatusPending, StatusInProgress, StatusCompleted} {
		if err := fsutil.EnsureDir(s.dirFor(st)); err != nil {
			return nil, err
		}
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// dirFor maps a status to its backing directory. All terminal statuses
// share the completed directory.
func (s *Store) dirFor(st Status) string {
	switch {
	case st == StatusInProgress:
		return filepath.Join(s.tasksDir, "in_progress")
	case st.Terminal():
		return filepath.Join(s.tasksDir, "completed")
	default:
		return filepath.Join(s.tasksDir, "pending")
	}
}

// fileFor returns the path a task occupies for a given status.
func (s *Store) fileFor(id string, st Status) string {
	return filepath.Join(s.dirFor(st), id+".json")
}

// loadAll rescans the status directories into the index. Unparseable
// files are logged and skipped.
func (s *Store) loadAll() error {
	for _, dir := range []string{s.dirFor(StatusPending), s.dirFor(StatusInProgress), s.dirFor(StatusCompleted)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("scan task directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path) //nolint:gosec // path comes from our own directory listing
			if err != nil {
				s.log.Warn("read task file", "path", path, "error", err)
				continue
			}
			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				s.log.Warn("skipping unparseable task file", "path", path, "error", err)
				continue
			}
			s.tasks[t.ID] = t
		}
	}
	s.log.Info("loaded tasks from disk", "count", len(s.tasks))
	return nil
}

// save persists the task under the status directory matching its status
// and removes any stale copy left in another status directory. The write
// lands before the stale unlink, and the whole move runs under a
// PID-stamped advisory lock so a concurrent invocation cannot interleave
// a delete with the move. At every observable instant exactly one file
// named <id>.json exists across the three directories.
func (s *Store) save(t Task) error {
	lock, err := fsutil.AcquireLock(filepath.Join(s.tasksDir, ".lock"), lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := fsutil.WriteFileAtomic(s.fileFor(t.ID, t.Status), data, 0o600); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}

	current := s.dirFor(t.Status)
	for _, dir := range []string{s.dirFor(StatusPending), s.dirFor(StatusInProgress), s.dirFor(StatusCompleted)} {
		if dir == current {
			continue
		}
		stale := filepath.Join(dir, t.ID+".json")
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale task file %s: %w", stale, err)
		}
	}
	return nil
}

// Create generates a new pending task from the spec and persists it.
func (s *Store) Create(spec Spec) (Task, error) {
	priority := spec.Priority
	if !priority.Valid() {
		priority = PriorityMedium
	}
	t := Task{
		ID:             NewID(),
		Title:          spec.Title,
		Description:    spec.Description,
		Requirements:   spec.Requirements,
		ExpectedOutput: spec.ExpectedOutput,
		Priority:       priority,
		Status:         StatusPending,
		CreatedAt:      s.nowFunc(),
		Metadata:       spec.Metadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(t); err != nil {
		return Task{}, err
	}
	s.tasks[t.ID] = t
	s.log.Info("created task", "id", t.ID, "title", t.Title, "priority", t.Priority)
	return t, nil
}

// Get returns the task with the given ID.
func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// Assign moves a pending task to in_progress and records the assignee.
// Only pending tasks can be assigned; anything else is ErrInvalidState and
// leaves the task untouched.
func (s *Store) Assign(id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("assign task %s with status %s: %w", id, t.Status, ErrInvalidState)
	}

	now := s.nowFunc()
	t.AssignedTo = agentID
	t.Status = StatusInProgress
	t.StartedAt = &now
	if err := s.save(t); err != nil {
		return err
	}
	s.tasks[id] = t
	s.log.Info("assigned task", "id", id, "agent", agentID)
	return nil
}

// UpdateStatus transitions a task to any status, moving the backing file.
// No transition graph is enforced beyond the pending-only guard on Assign:
// pushing a terminal task back to pending is a supported requeue operation
// and is recorded in the log as such. Entering a terminal status stamps
// CompletedAt; a requeue clears CompletedAt, Result, and Error so the
// task looks fresh to the next worker.
func (s *Store) UpdateStatus(id string, status Status, result, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("update task %s to unknown status %q: %w", id, status, ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	requeued := t.Status.Terminal() && !status.Terminal()
	t.Status = status
	if status.Terminal() {
		now := s.nowFunc()
		t.CompletedAt = &now
	}
	if requeued {
		t.CompletedAt = nil
		t.Result = ""
		t.Error = ""
	}
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	if err := s.save(t); err != nil {
		return err
	}
	s.tasks[id] = t

	if requeued {
		s.log.Warn("requeued terminal task", "id", id, "status", status)
	} else {
		s.log.Info("updated task status", "id", id, "status", status)
	}
	return nil
}

// Cancel marks a task cancelled.
func (s *Store) Cancel(id string) error {
	return s.UpdateStatus(id, StatusCancelled, "", "")
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Status     Status
	AssignedTo string
	Priority   Priority
}

// List returns tasks matching the filter, sorted by priority rank then
// creation time ascending. This ordering is the queue's dequeue policy.
func (s *Store) List(f Filter) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// NextPending returns the highest-priority oldest pending task, or false
// when the queue is empty. priority optionally restricts the match.
func (s *Store) NextPending(priority Priority) (Task, bool) {
	pending := s.List(Filter{Status: StatusPending, Priority: priority})
	if len(pending) == 0 {
		return Task{}, false
	}
	return pending[0], true
}

// Delete removes a task from the index and from disk. Returns false when
// the task does not exist.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	delete(s.tasks, id)
	path := s.fileFor(id, t.Status)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("delete task file %s: %w", path, err)
	}
	s.log.Info("deleted task", "id", id)
	return true, nil
}

// Statistics summarizes the store by status and priority.
type Statistics struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
}

// Statistics returns counts of tasks by status and by priority.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	for _, t := range s.tasks {
		stats.Total++
		stats.ByStatus[t.Status]++
		stats.ByPriority[t.Priority]++
	}
	return stats
}

// CleanupOlderThan removes terminal tasks whose CompletedAt predates the
// cutoff. Pending and in-progress tasks are never touched.
func (s *Store) CleanupOlderThan(days int) (int, error) {
	cutoff := s.nowFunc().AddDate(0, 0, -days)

	s.mu.Lock()
	var stale []string
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, id := range stale {
		ok, err := s.Delete(id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	s.log.Info("cleaned up old tasks", "removed", removed)
	return removed, nil
}
