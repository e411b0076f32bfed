// Package task implements the durable task store. Each task is one JSON
// file living in exactly one status-addressed directory under
// <workdir>/tasks; moving a task between statuses moves the file. The
// directory layout IS the persistence model: on startup the store rescans
// all three directories and trusts whatever it finds as ground truth.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

// Task status constants.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal tasks share
// the completed/ directory and get a CompletedAt stamp.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders tasks in the queue.
type Priority string

// Task priority constants, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the dequeue rank: high before medium before low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Task is one unit of work tracked through the status directories.
type Task struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Requirements   []string          `json:"requirements"`
	ExpectedOutput string            `json:"expected_output"`
	Priority       Priority          `json:"priority"`
	Status         Status            `json:"status"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Result         string            `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewID returns a fresh task ID: "task-" plus the first 8 hex chars of a
// UUID, short enough for filenames and pane-injected prompts.
func NewID() string {
	return "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Filename returns the on-disk filename for the task.
func (t Task) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// Spec describes a task to create.
type Spec struct {
	Title          string
	Description    string
	Requirements   []string
	ExpectedOutput string
	Priority       Priority
	Metadata       map[string]string
}
