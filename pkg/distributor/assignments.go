package distributor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"forge/pkg/fsutil"
)

// ErrNoAssignment is returned when a task has no assignment row.
var ErrNoAssignment = errors.New("no assignment")

// Assignment is one durable task→worker binding. NotificationID is the
// mailbox message that carried the task to the worker.
type Assignment struct {
	TaskID         string
	Worker         string
	TaskFile       string
	NotificationID string
	AssignedAt     time.Time
	Notified       bool
	Completed      bool
}

// AssignmentStore persists assignments in cache/assignments.db so a
// restarted distributor never re-notifies work it already handed out.
type AssignmentStore struct {
	db *sql.DB
}

const assignmentSchema = `
CREATE TABLE IF NOT EXISTS assignments (
	task_id         TEXT PRIMARY KEY,
	worker          TEXT NOT NULL,
	task_file       TEXT NOT NULL DEFAULT '',
	notification_id TEXT NOT NULL DEFAULT '',
	assigned_at     TEXT NOT NULL,
	notified        INTEGER NOT NULL DEFAULT 0,
	completed       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_assignments_worker ON assignments(worker);
`

// OpenAssignmentStore opens (creating if needed) the assignment database
// under workDir with WAL journaling and a busy timeout.
func OpenAssignmentStore(workDir string) (*AssignmentStore, error) {
	cacheDir := filepath.Join(workDir, "cache")
	if err := fsutil.EnsureDir(cacheDir); err != nil {
		return nil, err
	}
	path := filepath.Join(cacheDir, "assignments.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, assignmentSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create assignments schema: %w", err)
	}
	return &AssignmentStore{db: db}, nil
}

// Close releases the database handle.
func (s *AssignmentStore) Close() error {
	return s.db.Close()
}

// Record upserts an assignment row keyed by task ID.
func (s *AssignmentStore) Record(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (task_id, worker, task_file, notification_id, assigned_at, notified, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			worker = excluded.worker,
			task_file = excluded.task_file,
			notification_id = excluded.notification_id,
			assigned_at = excluded.assigned_at,
			notified = excluded.notified,
			completed = excluded.completed`,
		a.TaskID, a.Worker, a.TaskFile, a.NotificationID,
		a.AssignedAt.UTC().Format(time.RFC3339), boolToInt(a.Notified), boolToInt(a.Completed))
	if err != nil {
		return fmt.Errorf("record assignment %s: %w", a.TaskID, err)
	}
	return nil
}

// Get returns the assignment for a task.
func (s *AssignmentStore) Get(ctx context.Context, taskID string) (Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, worker, task_file, notification_id, assigned_at, notified, completed
		FROM assignments WHERE task_id = ?`, taskID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("task %s: %w", taskID, ErrNoAssignment)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("get assignment %s: %w", taskID, err)
	}
	return a, nil
}

// List returns all assignments ordered by assignment time.
func (s *AssignmentStore) List(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker, task_file, notification_id, assigned_at, notified, completed
		FROM assignments ORDER BY assigned_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkNotified flags the assignment as delivered to its worker and stores
// the message ID that carried it.
func (s *AssignmentStore) MarkNotified(ctx context.Context, taskID, notificationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET notified = 1, notification_id = ? WHERE task_id = ?`,
		notificationID, taskID)
	if err != nil {
		return fmt.Errorf("mark notified %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// MarkCompleted flags the assignment as finished.
func (s *AssignmentStore) MarkCompleted(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET completed = 1 WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", taskID, err)
	}
	return requireRow(res, taskID)
}

// Counts returns (total, notified, completed) row counts.
func (s *AssignmentStore) Counts(ctx context.Context) (total, notified, completed int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(notified), 0),
		       COALESCE(SUM(completed), 0)
		FROM assignments`)
	if err := row.Scan(&total, &notified, &completed); err != nil {
		return 0, 0, 0, fmt.Errorf("count assignments: %w", err)
	}
	return total, notified, completed, nil
}

func requireRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNoAssignment)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	var assignedAt string
	var notified, completed int
	if err := row.Scan(&a.TaskID, &a.Worker, &a.TaskFile, &a.NotificationID, &assignedAt, &notified, &completed); err != nil {
		return Assignment{}, err
	}
	if t, err := time.Parse(time.RFC3339, assignedAt); err == nil {
		a.AssignedAt = t
	}
	a.Notified = notified != 0
	a.Completed = completed != 0
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
