package downloads

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"plexbot/internal/notifications"
	"plexbot/internal/progress"
	"plexbot/internal/queue"
	"plexbot/internal/services/tdl"
	"plexbot/internal/testsupport"
)

type notifierEvent struct {
	kind   string
	chatID int64
	label  string
	detail string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifierEvent
}

var _ notifications.Service = (*recordingNotifier)(nil)

func (r *recordingNotifier) record(kind string, chatID int64, label, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notifierEvent{kind: kind, chatID: chatID, label: label, detail: detail})
	return nil
}

func (r *recordingNotifier) TaskQueued(_ context.Context, chatID int64, label string, position int) error {
	return r.record("queued", chatID, label, "")
}

func (r *recordingNotifier) TaskStarted(_ context.Context, chatID int64, label string) error {
	return r.record("started", chatID, label, "")
}

func (r *recordingNotifier) TaskProgress(_ context.Context, chatID int64, label string, percent int, detail string) error {
	return r.record("progress", chatID, label, detail)
}

func (r *recordingNotifier) TaskCompleted(_ context.Context, chatID int64, label, finalPath string) error {
	return r.record("completed", chatID, label, finalPath)
}

func (r *recordingNotifier) TaskFailed(_ context.Context, chatID int64, label, reason string) error {
	return r.record("failed", chatID, label, reason)
}

func (r *recordingNotifier) TaskUnresolved(_ context.Context, chatID int64, label, reason string) error {
	return r.record("unresolved", chatID, label, reason)
}

func (r *recordingNotifier) CancelAcknowledged(_ context.Context, chatID int64, cancelled int) error {
	return r.record("cancel_ack", chatID, "", "")
}

func (r *recordingNotifier) PostProcessFailed(_ context.Context, chatID int64, label string, err error) error {
	return r.record("post_failed", chatID, label, err.Error())
}

func (r *recordingNotifier) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) snapshot() []notifierEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifierEvent(nil), r.events...)
}

// fetchFunc adapts a function to the tdl.Fetcher interface.
type fetchFunc func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result

func (f fetchFunc) Fetch(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
	return f(ctx, req, onProgress)
}

func succeedFetcher() tdl.Fetcher {
	return fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		onProgress(tdl.ProgressUpdate{Percent: 100})
		return tdl.Result{Kind: tdl.ResultSucceeded}
	})
}

// blockingFetcher parks every fetch until its context is cancelled, signalling
// each start on the started channel.
func blockingFetcher(started chan string) tdl.Fetcher {
	return fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		started <- req.Source
		<-ctx.Done()
		return tdl.Result{Kind: tdl.ResultCancelled}
	})
}

type recordingPost struct {
	mu       sync.Mutex
	tasks    []string
	failWith error
}

func (p *recordingPost) Process(_ context.Context, task *queue.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task.ID)
	return p.failWith
}

type schedulerFixture struct {
	store     *queue.Store
	scheduler *Scheduler
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, fetcher tdl.Fetcher, opts ...Option) *schedulerFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}
	reporter := progress.NewReporter(notifier, 10*time.Millisecond, nil)
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	scheduler := NewScheduler(cfg, store, fetcher, notifier, reporter, nil, opts...)
	return &schedulerFixture{store: store, scheduler: scheduler, notifier: notifier}
}

func (f *schedulerFixture) enqueue(t *testing.T, chatID int64, source string, group queue.GroupKey, label string) *queue.Task {
	t.Helper()
	task, _, err := f.scheduler.Enqueue(context.Background(), Submission{
		ChatID:      chatID,
		Source:      source,
		Group:       group,
		GroupLabel:  label,
		Destination: "/library/dest",
		Grouped:     group.Season > 0,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *schedulerFixture) waitStatus(t *testing.T, taskID string, want queue.Status) {
	t.Helper()
	waitFor(t, "task "+taskID+" to reach "+string(want), func() bool {
		task, err := f.store.GetByID(context.Background(), taskID)
		return err == nil && task != nil && task.Status == want
	})
}

func TestEnqueueAssignsPositions(t *testing.T) {
	fix := newFixture(t, succeedFetcher())
	ctx := context.Background()

	positions := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		_, position, err := fix.scheduler.Enqueue(ctx, Submission{
			ChatID:      1,
			Source:      "https://t.me/c/1/1",
			Group:       queue.ResolvedKey("Heat", 0),
			GroupLabel:  "Heat (1995)",
			Destination: "/library/movies/Heat (1995)",
		})
		if err != nil {
			t.Fatal(err)
		}
		positions = append(positions, position)
	}
	for i, position := range positions {
		if position != i+1 {
			t.Fatalf("expected position %d, got %d", i+1, position)
		}
	}
	if fix.notifier.count("queued") != 3 {
		t.Fatalf("expected 3 queued notifications, got %d", fix.notifier.count("queued"))
	}
}

func TestWorkerDrainsQueueInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	fetcher := fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		mu.Lock()
		order = append(order, req.Source)
		mu.Unlock()
		return tdl.Result{Kind: tdl.ResultSucceeded}
	})
	fix := newFixture(t, fetcher)

	first := fix.enqueue(t, 1, "src-a", queue.ResolvedKey("A", 0), "A")
	second := fix.enqueue(t, 2, "src-b", queue.ResolvedKey("B", 0), "B")

	if err := fix.scheduler.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, first.ID, queue.StatusSucceeded)
	fix.waitStatus(t, second.ID, queue.StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "src-a" || order[1] != "src-b" {
		t.Fatalf("expected FIFO execution, got %v", order)
	}
	if fix.notifier.count("completed") != 2 {
		t.Fatalf("expected 2 completion notifications, got %d", fix.notifier.count("completed"))
	}
	if fix.notifier.count("failed") != 0 {
		t.Fatalf("expected no failure notifications, got %d", fix.notifier.count("failed"))
	}
}

func TestCancelPendingTask(t *testing.T) {
	fix := newFixture(t, succeedFetcher())
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")

	cancelled, err := fix.scheduler.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %d", cancelled)
	}
	got, err := fix.store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Idempotent: a second request finds nothing to do.
	cancelled, err = fix.scheduler.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 0 {
		t.Fatalf("expected 0 on repeat cancel, got %d", cancelled)
	}
}

func TestCancelRunningTaskStopsSubprocess(t *testing.T) {
	started := make(chan string, 1)
	post := &recordingPost{}
	fix := newFixture(t, blockingFetcher(started), WithPostProcessor(post))
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	<-started
	cancelled, err := fix.scheduler.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %d", cancelled)
	}

	fix.waitStatus(t, task.ID, queue.StatusCancelled)
	// No terminal notification for cancellations; the request was acknowledged
	// by the caller already.
	if fix.notifier.count("failed")+fix.notifier.count("completed") != 0 {
		t.Fatalf("unexpected terminal notifications: %+v", fix.notifier.snapshot())
	}
	post.mu.Lock()
	defer post.mu.Unlock()
	if len(post.tasks) != 0 {
		t.Fatalf("post-processor must not run for cancelled tasks, got %v", post.tasks)
	}
}

func TestFailedFetchSkipsPostProcessor(t *testing.T) {
	post := &recordingPost{}
	fetcher := fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		return tdl.Result{Kind: tdl.ResultFailed, Reason: "exit status 1"}
	})
	fix := newFixture(t, fetcher, WithPostProcessor(post))
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, task.ID, queue.StatusFailed)
	waitFor(t, "failure notification", func() bool {
		return fix.notifier.count("failed") == 1
	})
	post.mu.Lock()
	defer post.mu.Unlock()
	if len(post.tasks) != 0 {
		t.Fatalf("post-processor must not run for failed tasks, got %v", post.tasks)
	}
}

func TestCancelGroupCoversPendingAndRunning(t *testing.T) {
	started := make(chan string, 3)
	fix := newFixture(t, blockingFetcher(started))
	ctx := context.Background()
	group := queue.ResolvedKey("Severance", 2)

	tasks := []*queue.Task{
		fix.enqueue(t, 1, "src-1", group, "Severance S02"),
		fix.enqueue(t, 1, "src-2", group, "Severance S02"),
		fix.enqueue(t, 1, "src-3", group, "Severance S02"),
	}

	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	<-started // one worker, so exactly one member is running

	cancelled, err := fix.scheduler.CancelGroup(ctx, group.String())
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 3 {
		t.Fatalf("expected 3 cancelled, got %d", cancelled)
	}
	for _, task := range tasks {
		fix.waitStatus(t, task.ID, queue.StatusCancelled)
	}

	active, err := fix.store.GroupHasActive(ctx, group.String())
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Fatal("expected group to be fully retired")
	}
}

func TestCancelAllDoesNotAffectLaterSubmissions(t *testing.T) {
	fix := newFixture(t, succeedFetcher())
	ctx := context.Background()

	old := fix.enqueue(t, 1, "src-old", queue.ResolvedKey("A", 0), "A")
	cancelled, err := fix.scheduler.CancelAllForChat(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 cancelled, got %d", cancelled)
	}

	// Queued after the cancel-all; must run normally.
	fresh := fix.enqueue(t, 1, "src-new", queue.ResolvedKey("B", 0), "B")

	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, fresh.ID, queue.StatusSucceeded)
	got, err := fix.store.GetByID(ctx, old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusCancelled {
		t.Fatalf("expected old task cancelled, got %s", got.Status)
	}
}

func TestCancelAllLeavesOtherChatsUntouched(t *testing.T) {
	started := make(chan string, 1)
	fetcher := fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		if strings.HasPrefix(req.Source, "c1-") {
			started <- req.Source
			<-ctx.Done()
			return tdl.Result{Kind: tdl.ResultCancelled}
		}
		return tdl.Result{Kind: tdl.ResultSucceeded}
	})
	fix := newFixture(t, fetcher)
	ctx := context.Background()

	running := fix.enqueue(t, 1, "c1-running", queue.ResolvedKey("Severance", 2), "Severance S02")
	pending := fix.enqueue(t, 1, "c1-pending", queue.ResolvedKey("Heat", 0), "Heat (1995)")
	other := fix.enqueue(t, 2, "c2-pending", queue.ResolvedKey("Ronin", 0), "Ronin (1998)")

	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	<-started
	cancelled, err := fix.scheduler.CancelAllForChat(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", cancelled)
	}

	fix.waitStatus(t, running.ID, queue.StatusCancelled)
	fix.waitStatus(t, pending.ID, queue.StatusCancelled)
	fix.waitStatus(t, other.ID, queue.StatusSucceeded)
}

func TestShutdownMarksRunningTaskFailed(t *testing.T) {
	started := make(chan string, 1)
	fix := newFixture(t, blockingFetcher(started))
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-started
	fix.scheduler.Stop()

	got, err := fix.store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("expected failed after shutdown, got %s", got.Status)
	}
	if got.ErrorMessage != queue.DaemonStopReason {
		t.Fatalf("expected %q, got %q", queue.DaemonStopReason, got.ErrorMessage)
	}
}

func TestStartRecoversInterruptedTasks(t *testing.T) {
	fix := newFixture(t, succeedFetcher())
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.store.Transition(ctx, task.ID, queue.StatusPending, queue.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	got, err := fix.store.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusFailed || got.ErrorMessage != queue.DaemonStopReason {
		t.Fatalf("expected recovery to fail the task, got %+v", got)
	}
}

func TestUnresolvedSourceSuggestsManual(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, req tdl.Request, onProgress func(tdl.ProgressUpdate)) tdl.Result {
		return tdl.Result{Kind: tdl.ResultUnresolved, Reason: "chat_invalid"}
	})
	fix := newFixture(t, fetcher)
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, task.ID, queue.StatusFailed)
	waitFor(t, "unresolved notification", func() bool {
		return fix.notifier.count("unresolved") == 1
	})
	if fix.notifier.count("failed") != 0 {
		t.Fatalf("unresolved must not also notify failure, got %+v", fix.notifier.snapshot())
	}
}

func TestPostProcessFailureKeepsTaskSucceeded(t *testing.T) {
	post := &recordingPost{failWith: errors.New("unrar missing")}
	fix := newFixture(t, succeedFetcher(), WithPostProcessor(post))
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, task.ID, queue.StatusSucceeded)
	waitFor(t, "post-process notification", func() bool {
		return fix.notifier.count("post_failed") == 1
	})
	if fix.notifier.count("completed") != 1 {
		t.Fatalf("expected completion notification, got %+v", fix.notifier.snapshot())
	}
}

func TestSuccessRunsPostProcessorOnce(t *testing.T) {
	post := &recordingPost{}
	fix := newFixture(t, succeedFetcher(), WithPostProcessor(post))
	ctx := context.Background()

	task := fix.enqueue(t, 1, "src", queue.ResolvedKey("A", 0), "A")
	if err := fix.scheduler.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer fix.scheduler.Stop()

	fix.waitStatus(t, task.ID, queue.StatusSucceeded)
	waitFor(t, "post-processing", func() bool {
		post.mu.Lock()
		defer post.mu.Unlock()
		return len(post.tasks) == 1 && post.tasks[0] == task.ID
	})
}

func TestListByChatGroupsTasks(t *testing.T) {
	fix := newFixture(t, succeedFetcher())
	ctx := context.Background()
	group := queue.ResolvedKey("Severance", 2)

	fix.enqueue(t, 1, "src-1", group, "Severance S02")
	fix.enqueue(t, 1, "src-2", group, "Severance S02")
	fix.enqueue(t, 1, "src-3", queue.ResolvedKey("Heat", 0), "Heat (1995)")
	fix.enqueue(t, 2, "src-4", queue.ResolvedKey("Ronin", 0), "Ronin (1998)")

	views, err := fix.scheduler.ListByChat(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(views))
	}
	if views[0].Label != "Severance S02" || views[0].Pending != 2 {
		t.Fatalf("unexpected first group: %+v", views[0])
	}
	if views[1].Label != "Heat (1995)" || views[1].Pending != 1 {
		t.Fatalf("unexpected second group: %+v", views[1])
	}
}
