package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of an acquisition task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DaemonStopReason is the error message set on tasks interrupted by shutdown.
const DaemonStopReason = "daemon stopped"

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusCancelled,
}

// transitions holds the only legal status edges. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress captures the last known completion state of a task.
// Known is false for grouped transfers where the tool reports only
// item counts, never sub-item percentages.
type Progress struct {
	Fraction   float64
	ItemsDone  int
	ItemsTotal int
	Known      bool
}

// Task is one acquisition unit: one link or file toward one destination.
type Task struct {
	ID           string
	Seq          int64
	ChatID       int64
	Group        GroupKey
	GroupLabel   string
	Source       string
	Destination  string
	Grouped      bool
	Status       Status
	ErrorMessage string
	Progress     Progress
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether the task still occupies the queue.
func (t *Task) IsActive() bool {
	return t.Status == StatusPending || t.Status == StatusRunning
}
