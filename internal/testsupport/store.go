package testsupport

import (
	"context"
	"testing"

	"plexbot/internal/config"
	"plexbot/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewTask enqueues a pending task for tests using the provided store.
func NewTask(t testing.TB, store *queue.Store, chatID int64, group queue.GroupKey, label, source, destination string) *queue.Task {
	t.Helper()

	task, err := store.Add(context.Background(), &queue.Task{
		ChatID:      chatID,
		Group:       group,
		GroupLabel:  label,
		Source:      source,
		Destination: destination,
		Grouped:     group.Season > 0,
	})
	if err != nil {
		t.Fatalf("store.Add: %v", err)
	}
	return task
}
