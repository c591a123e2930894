package queue

import (
	"fmt"
	"strings"
)

// GroupKind distinguishes how a grouping key was produced.
type GroupKind string

const (
	// GroupResolved keys come from a successful classification (title + season).
	GroupResolved GroupKind = "resolved"
	// GroupManual keys come from a user-supplied freeform label.
	GroupManual GroupKind = "manual"
)

// GroupKey identifies the logical title a task belongs to. It is a tagged
// variant: resolved keys carry title and season, manual keys a freeform label.
type GroupKey struct {
	Kind   GroupKind
	Title  string
	Season int
	Manual string
}

// ResolvedKey builds a grouping key from classified title metadata.
// Season 0 means "not a seasoned title" (movies, one-off documentaries).
func ResolvedKey(title string, season int) GroupKey {
	return GroupKey{Kind: GroupResolved, Title: strings.TrimSpace(title), Season: season}
}

// ManualKey builds a grouping key from a user-supplied label.
func ManualKey(label string) GroupKey {
	return GroupKey{Kind: GroupManual, Manual: strings.TrimSpace(label)}
}

// String renders the canonical key used for grouping, display and cancellation.
func (k GroupKey) String() string {
	switch k.Kind {
	case GroupResolved:
		if k.Season > 0 {
			return fmt.Sprintf("%s-S%02d", k.Title, k.Season)
		}
		return k.Title
	case GroupManual:
		return "manual:" + k.Manual
	default:
		return ""
	}
}

// IsZero reports whether the key carries no identity.
func (k GroupKey) IsZero() bool {
	return k.Kind == "" || k.String() == "" || (k.Kind == GroupManual && k.Manual == "")
}
