package distributor

import (
	"context"
	"errors"
	"testing"
	"time"

	"forge/pkg/logging"
	"forge/pkg/mail"
	"forge/pkg/task"
)

// fakeNotifier records notification deliveries.
type fakeNotifier struct {
	calls []string
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, worker string, m mail.Message) error {
	f.calls = append(f.calls, worker+":"+m.TaskID)
	return f.err
}

type fixture struct {
	dir         string
	tasks       *task.Store
	mailbox     *mail.Store
	assignments *AssignmentStore
	notifier    *fakeNotifier
	dist        *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logging.Discard()

	tasks, err := task.NewStore(dir, log)
	if err != nil {
		t.Fatalf("task.NewStore: %v", err)
	}
	mailbox, err := mail.NewStore(dir, log)
	if err != nil {
		t.Fatalf("mail.NewStore: %v", err)
	}
	assignments, err := OpenAssignmentStore(dir)
	if err != nil {
		t.Fatalf("OpenAssignmentStore: %v", err)
	}
	t.Cleanup(func() { _ = assignments.Close() })

	notifier := &fakeNotifier{}
	dist := New(dir, tasks, mailbox, assignments, notifier, Config{PollInterval: 10 * time.Millisecond}, log)
	return &fixture{dir: dir, tasks: tasks, mailbox: mailbox, assignments: assignments, notifier: notifier, dist: dist}
}

func TestDistributeNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.tasks.Create(task.Spec{Title: "summarize", Description: "summarize the report", Priority: task.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.dist.DistributeNow(ctx, tk.ID, "worker-1"); err != nil {
		t.Fatalf("DistributeNow: %v", err)
	}

	got, _ := f.tasks.Get(tk.ID)
	if got.Status != task.StatusInProgress || got.AssignedTo != "worker-1" {
		t.Errorf("task after distribute = %+v", got)
	}

	msgs, err := f.mailbox.Receive("worker-1", mail.KindTask)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("worker inbox has %d messages, want 1", len(msgs))
	}
	if msgs[0].TaskID != tk.ID || !msgs[0].Verify() {
		t.Errorf("notification = %+v", msgs[0])
	}

	if len(f.notifier.calls) != 1 {
		t.Errorf("notifier calls = %v", f.notifier.calls)
	}

	a, err := f.assignments.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if a.Worker != "worker-1" || !a.Notified || a.Completed {
		t.Errorf("assignment = %+v", a)
	}

	sum := f.dist.Summary()
	if sum.Total != 1 || sum.Notified != 1 || sum.Pending != 1 || sum.Completed != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestScan_NotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.tasks.Assign(tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	// The master drops a notification into the worker's mailbox out of
	// band; the scan loop picks it up.
	if err := f.mailbox.Send(mail.NewTaskMessage(tk, mail.MasterID, "worker-1")); err != nil {
		t.Fatal(err)
	}

	f.dist.scanOnce(ctx)
	if len(f.notifier.calls) != 1 {
		t.Fatalf("notifier calls after first scan = %v, want 1", f.notifier.calls)
	}

	// Re-scanning a notified assignment must not notify again.
	f.dist.scanOnce(ctx)
	if len(f.notifier.calls) != 1 {
		t.Errorf("notifier calls after second scan = %v, want still 1", f.notifier.calls)
	}
}

func TestScan_NotifierFailureRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.tasks.Assign(tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mailbox.Send(mail.NewTaskMessage(tk, mail.MasterID, "worker-1")); err != nil {
		t.Fatal(err)
	}

	f.notifier.err = errors.New("pane unavailable")
	f.dist.scanOnce(ctx)
	a, err := f.assignments.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Notified {
		t.Error("a failed delivery must not be marked notified")
	}

	f.notifier.err = nil
	f.dist.scanOnce(ctx)
	a, _ = f.assignments.Get(ctx, tk.ID)
	if !a.Notified {
		t.Error("delivery should succeed on the next round")
	}
}

func TestScan_CompletesOnResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.dist.DistributeNow(ctx, tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}

	result := mail.New(mail.KindResult, "worker-1", mail.MasterID, "all done", mail.PriorityMedium)
	result.TaskID = tk.ID
	if err := f.mailbox.Send(result); err != nil {
		t.Fatal(err)
	}

	f.dist.scanOnce(ctx)

	got, _ := f.tasks.Get(tk.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("task status = %s, want completed", got.Status)
	}
	if got.Result != "all done" {
		t.Errorf("task result = %q", got.Result)
	}

	a, _ := f.assignments.Get(ctx, tk.ID)
	if !a.Completed {
		t.Error("assignment should be completed")
	}

	sum := f.dist.Summary()
	if sum.Completed != 1 || sum.Pending != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestScan_ResultBeforeNotifyIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	result := mail.New(mail.KindResult, "worker-1", mail.MasterID, "done", mail.PriorityMedium)
	result.TaskID = tk.ID
	if err := f.mailbox.Send(result); err != nil {
		t.Fatal(err)
	}

	f.dist.scanOnce(ctx)

	got, _ := f.tasks.Get(tk.ID)
	if got.Status != task.StatusPending {
		t.Errorf("a result with no notified assignment must not complete the task, status = %s", got.Status)
	}
}

func TestAssignments_SurviveRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.dist.DistributeNow(ctx, tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.assignments.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenAssignmentStore(f.dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	a, err := reopened.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if a.Worker != "worker-1" || !a.Notified {
		t.Errorf("assignment after reopen = %+v", a)
	}

	if _, err := reopened.Get(ctx, "task-unknown1"); !errors.Is(err, ErrNoAssignment) {
		t.Errorf("unknown task = %v, want ErrNoAssignment", err)
	}
}

func TestAssignments_RedispatchResetsFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.dist.DistributeNow(ctx, tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.assignments.MarkCompleted(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}

	// Requeue and hand the task to a different worker. The fresh
	// assignment must not inherit the completed flag from the old row.
	if err := f.tasks.UpdateStatus(tk.ID, task.StatusPending, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := f.dist.DistributeNow(ctx, tk.ID, "worker-2"); err != nil {
		t.Fatal(err)
	}

	a, err := f.assignments.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Worker != "worker-2" || !a.Notified || a.Completed {
		t.Errorf("assignment after redispatch = %+v", a)
	}
}

func TestRun_BoundedIterations(t *testing.T) {
	f := newFixture(t)

	tk, _ := f.tasks.Create(task.Spec{Title: "t"})
	if err := f.tasks.Assign(tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mailbox.Send(mail.NewTaskMessage(tk, mail.MasterID, "worker-1")); err != nil {
		t.Fatal(err)
	}

	f.dist.cfg.MaxIterations = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum := f.dist.Run(ctx)
	if ctx.Err() != nil {
		t.Fatal("Run should return from the iteration bound, not the timeout")
	}
	if sum.Total != 1 || sum.Notified != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_WorkerInboxEventTriggersRound(t *testing.T) {
	f := newFixture(t)

	// Seed one assigned task so the startup round has work and the
	// worker's inbox directory exists before the watcher starts.
	tk, _ := f.tasks.Create(task.Spec{Title: "first"})
	if err := f.tasks.Assign(tk.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mailbox.Send(mail.NewTaskMessage(tk, mail.MasterID, "worker-1")); err != nil {
		t.Fatal(err)
	}

	// A poll interval far beyond the test budget: only a filesystem event
	// in the worker's inbox can drive the second round.
	f.dist.cfg.PollInterval = time.Minute
	f.dist.cfg.MaxIterations = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan Summary, 1)
	go func() { done <- f.dist.Run(ctx) }()

	// Give the watcher a moment to come up, then drop a second task
	// message into the worker's inbox directory.
	time.Sleep(100 * time.Millisecond)
	tk2, _ := f.tasks.Create(task.Spec{Title: "second"})
	if err := f.tasks.Assign(tk2.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.mailbox.Send(mail.NewTaskMessage(tk2, mail.MasterID, "worker-1")); err != nil {
		t.Fatal(err)
	}

	sum := <-done
	if ctx.Err() != nil {
		t.Fatal("Run should be woken by the inbox event, not the timeout")
	}
	if sum.Total != 2 || sum.Notified != 2 {
		t.Errorf("summary = %+v, want both tasks notified", sum)
	}
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t)

	for _, w := range []string{"worker-1", "worker-2"} {
		if err := f.mailbox.Send(mail.New(mail.KindTask, mail.MasterID, w, "seed", mail.PriorityMedium)); err != nil {
			t.Fatal(err)
		}
	}

	sent, err := f.dist.Broadcast("session shutting down")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	msgs, _ := f.mailbox.Receive("worker-2", mail.KindStatus)
	if len(msgs) != 1 || msgs[0].Body != "session shutting down" {
		t.Errorf("worker-2 status inbox = %v", msgs)
	}
}
