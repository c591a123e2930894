package downloads

// cancelRegistry tracks cancellation marks consulted at dequeue time.
// It is owned by the Scheduler and only accessed under its lock.
//
// Marks are monotone: an id is never unmarked, only released once the task
// reaches a terminal state. A chat entry is a sequence watermark set by
// cancel-all; it covers tasks admitted before the request that a worker may
// claim concurrently, and is cleared once the FIFO has moved past it.
type cancelRegistry struct {
	tasks map[string]struct{}
	chats map[int64]int64
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		tasks: make(map[string]struct{}),
		chats: make(map[int64]int64),
	}
}

func (r *cancelRegistry) mark(taskID string) {
	r.tasks[taskID] = struct{}{}
}

func (r *cancelRegistry) marked(taskID string) bool {
	_, ok := r.tasks[taskID]
	return ok
}

func (r *cancelRegistry) release(taskID string) {
	delete(r.tasks, taskID)
}

func (r *cancelRegistry) markChat(chatID, watermark int64) {
	if current, ok := r.chats[chatID]; !ok || watermark > current {
		r.chats[chatID] = watermark
	}
}

// chatCancelled reports whether a task admitted at seq falls under a
// cancel-all watermark for its chat. Claims arrive in global seq order, so a
// task past the watermark means everything under it has left the queue and
// the entry can be dropped.
func (r *cancelRegistry) chatCancelled(chatID, seq int64) bool {
	watermark, ok := r.chats[chatID]
	if !ok {
		return false
	}
	if seq <= watermark {
		return true
	}
	delete(r.chats, chatID)
	return false
}
