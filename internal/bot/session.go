package bot

import (
	"plexbot/internal/identification"
	"plexbot/internal/identification/tmdb"
)

// session holds per-chat conversation state. Updates for a chat are handled
// sequentially by the update loop, so no locking is needed beyond the map in
// Bot.
type session struct {
	// candidates is the pick list produced by the last /search.
	candidates    []tmdb.Result
	pendingSeason int

	// active is the classification links are enqueued against.
	active *identification.Classification
}

func (s *session) setCandidates(candidates []tmdb.Result, season int) {
	s.candidates = candidates
	s.pendingSeason = season
}

func (s *session) clearCandidates() {
	s.candidates = nil
	s.pendingSeason = 0
}

func (s *session) pick(n int) (tmdb.Result, int, bool) {
	if n < 1 || n > len(s.candidates) {
		return tmdb.Result{}, 0, false
	}
	return s.candidates[n-1], s.pendingSeason, true
}
