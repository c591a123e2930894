package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"plexbot/internal/config"
	"plexbot/internal/logging"
	"plexbot/internal/notifications"
	"plexbot/internal/progress"
	"plexbot/internal/queue"
	"plexbot/internal/services/tdl"
)

// ErrInternalScheduling marks invariant violations during queue bookkeeping.
// They are fatal to the affected task only and never corrupt the shared queue.
var ErrInternalScheduling = errors.New("downloads: internal scheduling error")

// PostProcessor receives a completed task's final location. Its failure never
// changes the task's Succeeded status.
type PostProcessor interface {
	Process(ctx context.Context, task *queue.Task) error
}

// Submission describes one acquisition request, classification already done.
type Submission struct {
	ChatID      int64
	Source      string
	Group       queue.GroupKey
	GroupLabel  string
	Destination string
	Grouped     bool
}

type inflightTask struct {
	cancel   context.CancelFunc
	chatID   int64
	groupKey string
}

// Scheduler owns the task queue, the group index and the cancellation
// registry, and drives the bounded worker pool.
type Scheduler struct {
	store    *queue.Store
	fetcher  tdl.Fetcher
	notifier notifications.Service
	reporter *progress.Reporter
	post     PostProcessor
	logger   *slog.Logger

	workers int
	poll    time.Duration

	mu       sync.Mutex
	registry *cancelRegistry
	inflight map[string]*inflightTask

	runMu   sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// Option configures optional Scheduler behaviour.
type Option func(*Scheduler)

// WithPostProcessor attaches the post-processing collaborator.
func WithPostProcessor(post PostProcessor) Option {
	return func(s *Scheduler) {
		s.post = post
	}
}

// WithPollInterval overrides the idle-queue poll interval (used in tests).
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.poll = interval
		}
	}
}

// NewScheduler constructs a scheduler with the configured worker-pool size.
func NewScheduler(
	cfg *config.Config,
	store *queue.Store,
	fetcher tdl.Fetcher,
	notifier notifications.Service,
	reporter *progress.Reporter,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	workers := cfg.Downloader.Workers
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		reporter: reporter,
		logger:   logging.WithComponent(logger, "scheduler"),
		workers:  workers,
		poll:     2 * time.Second,
		registry: newCancelRegistry(),
		inflight: make(map[string]*inflightTask),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers interrupted tasks and launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("downloads: scheduler already running")
	}

	recovered, err := s.store.FailInterrupted(ctx, queue.DaemonStopReason)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("failed tasks left running by a previous instance",
			logging.Int64("count", recovered))
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(s.runCtx)
	}
	s.logger.Info("scheduler started", logging.Int("workers", s.workers))
	return nil
}

// Stop terminates the worker pool, signalling in-flight subprocesses, and
// waits until every worker has finalized its task.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.runMu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Enqueue admits a submission to the back of the global FIFO and returns the
// stored task along with its queue position (1 = will start next).
func (s *Scheduler) Enqueue(ctx context.Context, sub Submission) (*queue.Task, int, error) {
	if strings.TrimSpace(sub.Source) == "" {
		return nil, 0, errors.New("downloads: submission requires a source")
	}
	if strings.TrimSpace(sub.Destination) == "" {
		return nil, 0, errors.New("downloads: submission requires a destination")
	}
	if sub.Group.IsZero() {
		return nil, 0, errors.New("downloads: submission requires a grouping key")
	}

	task := &queue.Task{
		ChatID:      sub.ChatID,
		Group:       sub.Group,
		GroupLabel:  sub.GroupLabel,
		Source:      sub.Source,
		Destination: sub.Destination,
		Grouped:     sub.Grouped,
	}

	s.mu.Lock()
	stored, err := s.store.Add(ctx, task)
	s.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	position, err := s.store.CountActiveBefore(ctx, stored.Seq)
	if err != nil {
		position = 0
	}
	position++

	if err := s.notifier.TaskQueued(ctx, stored.ChatID, stored.GroupLabel, position); err != nil {
		s.logger.Warn("queued notification failed", logging.Error(err))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return stored, position, nil
}

// GroupView is one title group as presented to the chat.
type GroupView struct {
	Key     string
	Label   string
	ChatID  int64
	Tasks   []*queue.Task
	Pending int
	Running int
}

// ListByChat returns the chat's visible title groups in enqueue order.
func (s *Scheduler) ListByChat(ctx context.Context, chatID int64) ([]GroupView, error) {
	tasks, err := s.store.ListActiveByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var views []GroupView
	index := make(map[string]int)
	for _, task := range tasks {
		key := task.Group.String()
		pos, ok := index[key]
		if !ok {
			pos = len(views)
			index[key] = pos
			views = append(views, GroupView{Key: key, Label: task.GroupLabel, ChatID: chatID})
		}
		views[pos].Tasks = append(views[pos].Tasks, task)
		switch task.Status {
		case queue.StatusPending:
			views[pos].Pending++
		case queue.StatusRunning:
			views[pos].Running++
		}
	}
	return views, nil
}

// CancelTask marks one task. Idempotent; unknown or terminal ids are no-ops.
// Returns how many tasks were newly cancelled or signalled.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.store.GetByID(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task == nil || task.Status.IsTerminal() {
		return 0, nil
	}
	if s.registry.marked(task.ID) {
		return 0, nil
	}
	return s.cancelMemberLocked(ctx, task), nil
}

// CancelGroup marks every pending or running member of a title group.
func (s *Scheduler) CancelGroup(ctx context.Context, groupKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.store.ListActiveByGroup(ctx, groupKey)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, member := range members {
		if s.registry.marked(member.ID) {
			continue
		}
		cancelled += s.cancelMemberLocked(ctx, member)
	}
	return cancelled, nil
}

// CancelAllForChat marks every pending or running task owned by the chat.
func (s *Scheduler) CancelAllForChat(ctx context.Context, chatID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.store.ListActiveByChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	var watermark int64
	for _, member := range members {
		if member.Seq > watermark {
			watermark = member.Seq
		}
		if s.registry.marked(member.ID) {
			continue
		}
		cancelled += s.cancelMemberLocked(ctx, member)
	}
	if watermark > 0 {
		s.registry.markChat(chatID, watermark)
	}
	return cancelled, nil
}

// cancelMemberLocked applies one cancellation mark. Pending members become
// Cancelled immediately; running members are signalled and reach Cancelled
// once the adapter reports the subprocess has stopped.
func (s *Scheduler) cancelMemberLocked(ctx context.Context, task *queue.Task) int {
	s.registry.mark(task.ID)
	switch task.Status {
	case queue.StatusPending:
		if err := s.store.Transition(ctx, task.ID, queue.StatusPending, queue.StatusCancelled, "cancelled by user"); err != nil {
			// The worker may have claimed it in the window before our mark;
			// the registry entry ensures the claim path cancels it instead.
			s.logger.Debug("pending cancel raced with claim", logging.String("task_id", task.ID), logging.Error(err))
			return 1
		}
		s.registry.release(task.ID)
		s.retireGroupIfIdleLocked(ctx, task.ChatID, task.Group.String())
		return 1
	case queue.StatusRunning:
		if entry, ok := s.inflight[task.ID]; ok {
			entry.cancel()
		}
		return 1
	default:
		return 0
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, taskCtx, err := s.claim(ctx)
		if err != nil {
			s.logger.Error("failed to claim next task", logging.Error(err))
			s.waitForWork(ctx)
			continue
		}
		if task == nil {
			s.waitForWork(ctx)
			continue
		}
		s.execute(ctx, taskCtx, task)
	}
}

func (s *Scheduler) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-time.After(s.poll):
	}
}

// claim dequeues the next admissible task, skipping registry-flagged entries
// without consuming the worker slot.
func (s *Scheduler) claim(ctx context.Context) (*queue.Task, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		task, err := s.store.NextPending(ctx)
		if err != nil {
			return nil, nil, err
		}
		if task == nil {
			return nil, nil, nil
		}

		if s.registry.marked(task.ID) || s.registry.chatCancelled(task.ChatID, task.Seq) {
			if err := s.store.Transition(ctx, task.ID, queue.StatusPending, queue.StatusCancelled, "cancelled by user"); err != nil {
				return nil, nil, fmt.Errorf("%w: cancel at dequeue: %v", ErrInternalScheduling, err)
			}
			s.registry.release(task.ID)
			s.retireGroupIfIdleLocked(ctx, task.ChatID, task.Group.String())
			continue
		}

		if err := s.store.Transition(ctx, task.ID, queue.StatusPending, queue.StatusRunning, ""); err != nil {
			return nil, nil, fmt.Errorf("%w: admit task %s: %v", ErrInternalScheduling, task.ID, err)
		}
		task.Status = queue.StatusRunning

		taskCtx, cancel := context.WithCancel(ctx)
		s.inflight[task.ID] = &inflightTask{cancel: cancel, chatID: task.ChatID, groupKey: task.Group.String()}
		return task, taskCtx, nil
	}
}

func (s *Scheduler) execute(ctx, taskCtx context.Context, task *queue.Task) {
	logger := s.logger.With(
		logging.String("task_id", task.ID),
		logging.Int64("chat_id", task.ChatID),
		logging.String("group", task.Group.String()),
	)
	logger.Info("task started", logging.String("source", task.Source))

	if err := s.notifier.TaskStarted(ctx, task.ChatID, task.GroupLabel); err != nil {
		logger.Warn("start notification failed", logging.Error(err))
	}

	onProgress := func(update tdl.ProgressUpdate) {
		snapshot := queue.Progress{
			Fraction:   update.Percent / 100,
			ItemsDone:  update.ItemsDone,
			ItemsTotal: update.ItemsTotal,
			Known:      update.ItemsTotal == 0,
		}
		if err := s.store.UpdateProgress(ctx, task.ID, snapshot); err != nil {
			logger.Debug("progress persist failed", logging.Error(err))
		}
		s.reporter.Publish(ctx, progress.Snapshot{
			TaskID:     task.ID,
			ChatID:     task.ChatID,
			GroupKey:   task.Group.String(),
			GroupLabel: task.GroupLabel,
			Fraction:   snapshot.Fraction,
			ItemsDone:  update.ItemsDone,
			ItemsTotal: update.ItemsTotal,
			Known:      snapshot.Known,
		})
	}

	result := s.fetcher.Fetch(taskCtx, tdl.Request{
		Source:      task.Source,
		Destination: task.Destination,
		Grouped:     task.Grouped,
	}, onProgress)

	s.finalize(ctx, task, result, logger)
}

// finalize records the terminal state, releases registry entries, prunes the
// group when it has emptied, and emits exactly one terminal notification.
func (s *Scheduler) finalize(ctx context.Context, task *queue.Task, result tdl.Result, logger *slog.Logger) {
	// Bookkeeping must survive shutdown: the worker context is already
	// cancelled when a stop kills the subprocess.
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	if entry, ok := s.inflight[task.ID]; ok {
		entry.cancel()
		delete(s.inflight, task.ID)
	}
	userCancelled := s.registry.marked(task.ID)
	s.registry.release(task.ID)

	status := queue.StatusFailed
	reason := result.Reason
	switch result.Kind {
	case tdl.ResultSucceeded:
		status = queue.StatusSucceeded
		reason = ""
	case tdl.ResultCancelled:
		if userCancelled {
			status = queue.StatusCancelled
			reason = "cancelled by user"
		} else {
			// Shutdown, not a user request: the subprocess was killed by the
			// run context and the task did not finish.
			status = queue.StatusFailed
			reason = queue.DaemonStopReason
		}
	case tdl.ResultFailed, tdl.ResultUnresolved:
		status = queue.StatusFailed
	}

	if err := s.store.Transition(ctx, task.ID, queue.StatusRunning, status, reason); err != nil {
		logger.Error("terminal bookkeeping failed",
			logging.Error(fmt.Errorf("%w: %v", ErrInternalScheduling, err)))
		// Never leave a task stuck Running; a failed transition above means a
		// racing writer, so re-read and force failure only if still running.
		if current, getErr := s.store.GetByID(ctx, task.ID); getErr == nil && current != nil && current.Status == queue.StatusRunning {
			_ = s.store.Transition(ctx, task.ID, queue.StatusRunning, queue.StatusFailed, "internal scheduling error")
		}
	}
	s.retireGroupIfIdleLocked(ctx, task.ChatID, task.Group.String())
	s.mu.Unlock()

	logger.Info("task finished",
		logging.String("status", string(status)),
		logging.String("reason", reason),
	)

	switch status {
	case queue.StatusSucceeded:
		s.postProcess(ctx, task, logger)
		if err := s.notifier.TaskCompleted(ctx, task.ChatID, task.GroupLabel, task.Destination); err != nil {
			logger.Warn("completion notification failed", logging.Error(err))
		}
	case queue.StatusFailed:
		var err error
		if result.Kind == tdl.ResultUnresolved {
			err = s.notifier.TaskUnresolved(ctx, task.ChatID, task.GroupLabel, reason)
		} else {
			err = s.notifier.TaskFailed(ctx, task.ChatID, task.GroupLabel, reason)
		}
		if err != nil {
			logger.Warn("failure notification failed", logging.Error(err))
		}
	case queue.StatusCancelled:
		// The acknowledgement was sent once when the cancel request arrived;
		// per-task notifications would storm large groups.
	}
}

func (s *Scheduler) postProcess(ctx context.Context, task *queue.Task, logger *slog.Logger) {
	if s.post == nil {
		return
	}
	if err := s.post.Process(ctx, task); err != nil {
		logger.Error("post-processing failed", logging.Error(err))
		if notifyErr := s.notifier.PostProcessFailed(ctx, task.ChatID, task.GroupLabel, err); notifyErr != nil {
			logger.Warn("post-process notification failed", logging.Error(notifyErr))
		}
	}
}

func (s *Scheduler) retireGroupIfIdleLocked(ctx context.Context, chatID int64, groupKey string) {
	active, err := s.store.GroupHasActive(ctx, groupKey)
	if err != nil {
		s.logger.Warn("group retirement check failed",
			logging.String("group", groupKey), logging.Error(err))
		return
	}
	if !active {
		s.reporter.Forget(chatID, groupKey)
		s.logger.Debug("group retired", logging.String("group", groupKey))
	}
}
