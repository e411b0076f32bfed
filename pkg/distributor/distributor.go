// Package distributor turns queued tasks into worker notifications and
// tracks each hand-off durably. It watches the mailbox tree with fsnotify
// and falls back to interval polling, so a wedged watcher degrades to a
// slower loop rather than a silent stall.
package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forge/pkg/mail"
	"forge/pkg/task"
)

// Notifier delivers a task message into a worker's live environment (tmux
// pane keystrokes or headless process signal). The session supervisor
// implements it.
type Notifier interface {
	Notify(ctx context.Context, worker string, m mail.Message) error
}

// Config bounds the distributor loop.
type Config struct {
	// PollInterval is the fallback scan cadence (default 10s).
	PollInterval time.Duration
	// MaxIterations caps the number of scan rounds; 0 means unbounded.
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// Summary is the distributor's running tally.
type Summary struct {
	Total     int `json:"total"`
	Notified  int `json:"notified"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// Distributor scans worker mailboxes, notifies workers of newly assigned
// tasks, and marks assignments complete when result messages arrive.
type Distributor struct {
	tasks       *task.Store
	mailbox     *mail.Store
	assignments *AssignmentStore
	notifier    Notifier
	watchDir    string
	cfg         Config
	log         *slog.Logger

	mu      sync.Mutex
	summary Summary
}

// New builds a Distributor. notifier may be nil, in which case marking a
// task notified relies on the mailbox file alone.
func New(workDir string, tasks *task.Store, mailbox *mail.Store, assignments *AssignmentStore, notifier Notifier, cfg Config, log *slog.Logger) *Distributor {
	return &Distributor{
		tasks:       tasks,
		mailbox:     mailbox,
		assignments: assignments,
		notifier:    notifier,
		watchDir:    filepath.Join(workDir, "communication", "master_to_worker"),
		cfg:         cfg.withDefaults(),
		log:         log,
	}
}

// Summary returns the current tally.
func (d *Distributor) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

// Run drives scan rounds until ctx is cancelled or MaxIterations rounds
// have run, then returns the final summary. Rounds are triggered by
// mailbox filesystem events with the poll ticker as a safety net; a
// failed watcher setup degrades to pure polling. Per-round errors are
// logged and never end the loop.
func (d *Distributor) Run(ctx context.Context) Summary {
	iterations := 0
	round := func() bool {
		d.scanOnce(ctx)
		iterations++
		return d.cfg.MaxIterations > 0 && iterations >= d.cfg.MaxIterations
	}

	// First round immediately so startup backlog is handled before any
	// event or tick.
	if round() {
		return d.Summary()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("mailbox watcher unavailable, polling only", "error", err)
		d.pollLoop(ctx, round)
		return d.Summary()
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(d.watchDir); err != nil {
		d.log.Warn("watch mailbox tree failed, polling only", "dir", d.watchDir, "error", err)
		d.pollLoop(ctx, round)
		return d.Summary()
	}
	// fsnotify watches are not recursive; each worker inbox is its own
	// directory under the watch root and must be added individually.
	d.watchWorkerDirs(watcher)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.Summary()
		case ev := <-watcher.Events:
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						d.log.Warn("watch worker inbox", "dir", ev.Name, "error", err)
					}
				}
			}
			if round() {
				return d.Summary()
			}
		case err := <-watcher.Errors:
			if err != nil {
				d.log.Warn("mailbox watcher error", "error", err)
			}
		case <-ticker.C:
			if round() {
				return d.Summary()
			}
		}
	}
}

// watchWorkerDirs adds the per-worker inbox directories that already
// exist under the watch root.
func (d *Distributor) watchWorkerDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(d.watchDir)
	if err != nil {
		d.log.Warn("list worker inboxes", "dir", d.watchDir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(d.watchDir, e.Name())
		if err := watcher.Add(dir); err != nil {
			d.log.Warn("watch worker inbox", "dir", dir, "error", err)
		}
	}
}

// pollLoop is the watcher-free fallback.
func (d *Distributor) pollLoop(ctx context.Context, round func() bool) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if round() {
				return
			}
		}
	}
}

// scanOnce runs one distribution round: pick up new task notifications
// per worker, then process result messages from workers.
func (d *Distributor) scanOnce(ctx context.Context) {
	workers, err := d.mailbox.Workers()
	if err != nil {
		d.log.Warn("list worker mailboxes", "error", err)
	}
	for _, worker := range workers {
		if err := d.scanWorker(ctx, worker); err != nil {
			d.log.Warn("scan worker mailbox", "worker", worker, "error", err)
		}
	}
	if err := d.scanResults(ctx); err != nil {
		d.log.Warn("scan results", "error", err)
	}
	d.refreshSummary(ctx)
}

// scanWorker registers and notifies task messages sitting in one worker's
// inbox.
func (d *Distributor) scanWorker(ctx context.Context, worker string) error {
	msgs, err := d.mailbox.Receive(worker, mail.KindTask)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.TaskID == "" {
			continue
		}
		t, err := d.tasks.Get(m.TaskID)
		if err != nil {
			d.log.Warn("task message references unknown task", "task", m.TaskID, "worker", worker)
			continue
		}
		if t.Status.Terminal() {
			continue
		}

		a, err := d.assignments.Get(ctx, m.TaskID)
		if err != nil {
			a = Assignment{
				TaskID:     m.TaskID,
				Worker:     worker,
				TaskFile:   t.Filename(),
				AssignedAt: messageTime(m),
			}
			if err := d.assignments.Record(ctx, a); err != nil {
				return err
			}
		}
		if a.Notified {
			continue
		}

		if d.notifier != nil {
			if err := d.notifier.Notify(ctx, worker, m); err != nil {
				d.log.Warn("notify worker", "worker", worker, "task", m.TaskID, "error", err)
				continue
			}
		}
		if err := d.assignments.MarkNotified(ctx, m.TaskID, m.ID); err != nil {
			return err
		}
		d.log.Info("notified worker of task", "worker", worker, "task", m.TaskID)
	}
	return nil
}

// scanResults completes assignments whose workers have reported back.
// The task record is finalized first so the task file lands in the done
// directory before the assignment row flips.
func (d *Distributor) scanResults(ctx context.Context) error {
	msgs, err := d.mailbox.Receive(mail.MasterID, mail.KindResult)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.TaskID == "" {
			continue
		}
		a, err := d.assignments.Get(ctx, m.TaskID)
		if err != nil || !a.Notified || a.Completed {
			continue
		}

		t, err := d.tasks.Get(m.TaskID)
		if err != nil {
			d.log.Warn("result for unknown task", "task", m.TaskID)
			continue
		}
		if !t.Status.Terminal() {
			if err := d.tasks.UpdateStatus(m.TaskID, task.StatusCompleted, m.Body, ""); err != nil {
				d.log.Warn("complete task", "task", m.TaskID, "error", err)
				continue
			}
		}
		if err := d.assignments.MarkCompleted(ctx, m.TaskID); err != nil {
			return err
		}
		d.log.Info("task completed", "task", m.TaskID, "worker", a.Worker)
	}
	return nil
}

// refreshSummary recomputes the tally from the assignment store.
func (d *Distributor) refreshSummary(ctx context.Context) {
	total, notified, completed, err := d.assignments.Counts(ctx)
	if err != nil {
		d.log.Warn("refresh summary", "error", err)
		return
	}
	d.mu.Lock()
	d.summary = Summary{
		Total:     total,
		Notified:  notified,
		Completed: completed,
		Pending:   total - completed,
	}
	d.mu.Unlock()
}

// DistributeNow assigns a pending task to a worker immediately: the task
// store moves it to in_progress, a task message lands in the worker's
// mailbox, the worker is notified, and the assignment is recorded as
// notified in one step.
func (d *Distributor) DistributeNow(ctx context.Context, taskID, worker string) error {
	if err := d.tasks.Assign(taskID, worker); err != nil {
		return err
	}
	t, err := d.tasks.Get(taskID)
	if err != nil {
		return err
	}

	m := mail.NewTaskMessage(t, mail.MasterID, worker)
	if err := d.mailbox.Send(m); err != nil {
		return err
	}
	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, worker, m); err != nil {
			d.log.Warn("notify worker", "worker", worker, "task", taskID, "error", err)
		}
	}

	a := Assignment{
		TaskID:         taskID,
		Worker:         worker,
		TaskFile:       t.Filename(),
		NotificationID: m.ID,
		AssignedAt:     messageTime(m),
		Notified:       true,
	}
	if err := d.assignments.Record(ctx, a); err != nil {
		return err
	}
	d.refreshSummary(ctx)
	d.log.Info("distributed task", "task", taskID, "worker", worker)
	return nil
}

// messageTime parses a message's wire timestamp, falling back to now for
// documents recovered with a defaulted timestamp.
func messageTime(m mail.Message) time.Time {
	if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		return t
	}
	return time.Now()
}

// Broadcast sends a status message from the master to every worker that
// currently has a mailbox.
func (d *Distributor) Broadcast(body string) (int, error) {
	workers, err := d.mailbox.Workers()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, worker := range workers {
		m := mail.New(mail.KindStatus, mail.MasterID, worker, body, mail.PriorityMedium)
		if err := d.mailbox.Send(m); err != nil {
			return sent, fmt.Errorf("broadcast to %s: %w", worker, err)
		}
		sent++
	}
	return sent, nil
}
