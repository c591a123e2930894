// Package progress turns raw adapter progress events into throttled,
// user-facing updates, one stream per chat and per active title group.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"plexbot/internal/logging"
	"plexbot/internal/notifications"
)

// Snapshot is one raw progress observation for a task.
type Snapshot struct {
	TaskID     string
	ChatID     int64
	GroupKey   string
	GroupLabel string
	Fraction   float64
	ItemsDone  int
	ItemsTotal int
	Known      bool
}

// Reporter rate-limits and aggregates progress updates. It never blocks the
// scheduler: delivery failures are logged and swallowed.
type Reporter struct {
	notifier notifications.Service
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	chats  map[int64]*rate.Limiter
	groups map[string]*groupState
}

type groupState struct {
	limiter   *rate.Limiter
	fractions map[string]float64 // per member task
	items     map[string][2]int
	lastEmit  int // last emitted percent, kept monotonic
}

// NewReporter constructs a reporter enforcing a minimum interval between
// emitted updates per chat and per group.
func NewReporter(notifier notifications.Service, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		notifier: notifier,
		logger:   logging.WithComponent(logger, "progress"),
		interval: interval,
		chats:    make(map[int64]*rate.Limiter),
		groups:   make(map[string]*groupState),
	}
}

// Publish records a snapshot and, when the rate limiters allow, emits one
// aggregated update for the snapshot's group.
func (r *Reporter) Publish(ctx context.Context, snap Snapshot) {
	if r == nil || snap.ChatID == 0 || snap.GroupKey == "" {
		return
	}

	r.mu.Lock()
	group := r.groupLocked(snap.ChatID, snap.GroupKey)
	if snap.Known {
		group.fractions[snap.TaskID] = clamp(snap.Fraction)
	} else if snap.ItemsTotal > 0 {
		group.items[snap.TaskID] = [2]int{snap.ItemsDone, snap.ItemsTotal}
	}

	percent := group.aggregate()
	if percent < group.lastEmit {
		percent = group.lastEmit
	}
	emit := percent > group.lastEmit &&
		group.limiter.Allow() &&
		r.chatLimiterLocked(snap.ChatID).Allow()
	if emit {
		group.lastEmit = percent
	}
	r.mu.Unlock()

	if !emit {
		return
	}

	detail := ""
	if !snap.Known && snap.ItemsTotal > 0 {
		detail = fmt.Sprintf("%d/%d items", snap.ItemsDone, snap.ItemsTotal)
	}
	if err := r.notifier.TaskProgress(ctx, snap.ChatID, snap.GroupLabel, percent, detail); err != nil {
		r.logger.Warn("progress update delivery failed",
			logging.Error(err),
			logging.Int64("chat_id", snap.ChatID),
			logging.String("group", snap.GroupKey),
		)
	}
}

// Forget drops the aggregation and rate-limit state for a retired group.
func (r *Reporter) Forget(chatID int64, groupKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, groupStateKey(chatID, groupKey))
}

func (r *Reporter) groupLocked(chatID int64, groupKey string) *groupState {
	key := groupStateKey(chatID, groupKey)
	group, ok := r.groups[key]
	if !ok {
		group = &groupState{
			limiter:   rate.NewLimiter(rate.Every(r.interval), 1),
			fractions: make(map[string]float64),
			items:     make(map[string][2]int),
		}
		r.groups[key] = group
	}
	return group
}

func (r *Reporter) chatLimiterLocked(chatID int64) *rate.Limiter {
	limiter, ok := r.chats[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.interval), 1)
		r.chats[chatID] = limiter
	}
	return limiter
}

// aggregate is a best-effort group estimate: the mean of member fractions,
// falling back to item-count completion when sub-item granularity is missing.
func (g *groupState) aggregate() int {
	var sum float64
	count := 0
	for _, fraction := range g.fractions {
		sum += fraction
		count++
	}
	for _, pair := range g.items {
		if pair[1] > 0 {
			sum += float64(pair[0]) / float64(pair[1])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return int(sum / float64(count) * 100)
}

func groupStateKey(chatID int64, groupKey string) string {
	return fmt.Sprintf("%d|%s", chatID, groupKey)
}

func clamp(fraction float64) float64 {
	switch {
	case fraction < 0:
		return 0
	case fraction > 1:
		return 1
	default:
		return fraction
	}
}
