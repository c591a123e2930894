// Package downloads coordinates the acquisition queue: a bounded worker pool
// draining one global FIFO of tasks, with fine-grained cancellation.
//
// The Scheduler is the single writer for all shared state. The persistent
// queue, the per-chat cancellation registry and the group index are only ever
// mutated under its lock; workers execute the borrowed task and report the
// terminal result back through the scheduler, which performs the bookkeeping.
//
// Admission is strict FIFO across all chats. Cancellation is cooperative:
// cancelling returns immediately after marking pending members Cancelled and
// signalling in-flight subprocesses; a running task reaches Cancelled only
// after its subprocess has actually stopped. A title group stays listable
// while it has a pending or running member and is pruned when the last one
// reaches a terminal state.
package downloads
