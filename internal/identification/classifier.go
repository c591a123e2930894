package identification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"plexbot/internal/config"
	"plexbot/internal/identification/tmdb"
	"plexbot/internal/logging"
	"plexbot/internal/queue"
)

// ErrNoMatch indicates the metadata lookup returned no usable candidates.
// Callers should fall back to manual classification rather than fail the
// submission outright.
var ErrNoMatch = errors.New("no metadata match")

// maxCandidates caps how many search results are surfaced for selection.
const maxCandidates = 5

// Classification is the resolved identity of a submission: where the files
// belong in the library and which queue group they join.
type Classification struct {
	Key         queue.GroupKey
	Label       string
	Category    string
	Title       string
	Year        int
	Season      int
	Destination string
	Grouped     bool
}

// Resolver turns free-form user queries into Classifications backed by TMDB
// metadata, with a manual path for titles the lookup cannot place.
type Resolver struct {
	search tmdb.Searcher
	cfg    *config.Config
	logger *slog.Logger
}

// NewResolver creates a Resolver. The searcher may be nil, in which case only
// manual classification is available.
func NewResolver(searcher tmdb.Searcher, cfg *config.Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{search: searcher, cfg: cfg, logger: logging.WithComponent(logger, "identification")}
}

// Candidates searches TMDB for the query and returns up to maxCandidates
// results ordered by popularity, movies and TV shows only. A season hint
// narrows the search to the TV endpoint; without one the multi endpoint is
// tried first and the dedicated movie and TV endpoints serve as a fallback,
// since multi search misses titles the per-type endpoints still find.
func (r *Resolver) Candidates(ctx context.Context, query string, season int) ([]tmdb.Result, error) {
	if r.search == nil {
		return nil, ErrNoMatch
	}
	if season > 0 {
		resp, err := r.search.SearchTV(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search tv %q: %w", query, err)
		}
		return rankCandidates(tagResults(resp.Results, "tv"))
	}

	resp, err := r.search.SearchMulti(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	candidates, err := rankCandidates(resp.Results)
	if err == nil {
		return candidates, nil
	}

	movies, err := r.search.SearchMovie(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search movies %q: %w", query, err)
	}
	shows, err := r.search.SearchTV(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search tv %q: %w", query, err)
	}
	merged := tagResults(movies.Results, "movie")
	merged = append(merged, tagResults(shows.Results, "tv")...)
	return rankCandidates(merged)
}

// tagResults stamps the media type onto per-type endpoint results, which
// omit the media_type field the multi endpoint carries.
func tagResults(results []tmdb.Result, mediaType string) []tmdb.Result {
	tagged := make([]tmdb.Result, len(results))
	for i, result := range results {
		if result.MediaType == "" {
			result.MediaType = mediaType
		}
		tagged[i] = result
	}
	return tagged
}

func rankCandidates(results []tmdb.Result) ([]tmdb.Result, error) {
	candidates := make([]tmdb.Result, 0, len(results))
	for _, result := range results {
		if result.MediaType != "movie" && result.MediaType != "tv" {
			continue
		}
		if result.DisplayTitle() == "" {
			continue
		}
		candidates = append(candidates, result)
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatch
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Popularity > candidates[j].Popularity
	})
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates, nil
}

// Resolve classifies the query using the most popular search match.
func (r *Resolver) Resolve(ctx context.Context, query string, season int) (*Classification, error) {
	candidates, err := r.Candidates(ctx, query, season)
	if err != nil {
		return nil, err
	}
	return r.Classify(candidates[0], "", season)
}

// Classify builds a Classification from a chosen search result. An empty
// category derives one from the result's media type; an explicit category
// (anime, documentary, docuseries) overrides it while keeping the metadata.
func (r *Resolver) Classify(result tmdb.Result, category string, season int) (*Classification, error) {
	title := strings.TrimSpace(result.DisplayTitle())
	if title == "" {
		return nil, ErrNoMatch
	}
	if category == "" {
		switch result.MediaType {
		case "tv":
			category = "series"
		default:
			category = "movies"
		}
	}
	category = config.NormalizeCategory(category)
	if isSeriesCategory(category) && season <= 0 {
		season = 1
	}
	if !isSeriesCategory(category) {
		season = 0
	}

	cls := &Classification{
		Key:      queue.ResolvedKey(title, season),
		Category: category,
		Title:    title,
		Year:     result.Year(),
		Season:   season,
		Grouped:  season > 0,
	}
	cls.Label = displayLabel(title, result.Year(), season)
	dest, err := r.destination(category, title, result.Year(), season)
	if err != nil {
		return nil, err
	}
	cls.Destination = dest
	r.logger.Debug("classified submission",
		logging.String("title", title),
		logging.String("category", category),
		logging.Int("season", season),
		logging.String("destination", dest))
	return cls, nil
}

// Manual classifies a submission from a user-supplied label when metadata
// lookup failed or was skipped. The label doubles as the group identity.
func (r *Resolver) Manual(label, category string, season int) (*Classification, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, errors.New("manual label must not be empty")
	}
	category = config.NormalizeCategory(category)
	if category == "" {
		category = "movies"
		if season > 0 {
			category = "series"
		}
	}
	if !isSeriesCategory(category) {
		season = 0
	}
	title := cases.Title(language.Und).String(label)
	cls := &Classification{
		Key:      queue.ManualKey(label),
		Category: category,
		Title:    title,
		Season:   season,
		Grouped:  season > 0,
	}
	cls.Label = displayLabel(title, 0, season)
	dest, err := r.destination(category, title, 0, season)
	if err != nil {
		return nil, err
	}
	cls.Destination = dest
	return cls, nil
}

func (r *Resolver) destination(category, title string, year, season int) (string, error) {
	root, ok := r.cfg.LibraryRoot(category)
	if !ok {
		return "", fmt.Errorf("no library configured for category %q", category)
	}
	dir := filepath.Join(root, SafeTitle(folderName(title, year)))
	if season > 0 {
		dir = filepath.Join(dir, fmt.Sprintf("Season %02d", season))
	}
	return dir, nil
}

func isSeriesCategory(category string) bool {
	switch category {
	case "series", "anime", "docuseries":
		return true
	}
	return false
}

func folderName(title string, year int) string {
	if year > 0 {
		return fmt.Sprintf("%s (%d)", title, year)
	}
	return title
}

func displayLabel(title string, year, season int) string {
	label := title
	if year > 0 {
		label = fmt.Sprintf("%s (%d)", title, year)
	}
	if season > 0 {
		label = fmt.Sprintf("%s S%02d", label, season)
	}
	return label
}

// SafeTitle strips characters that are unsafe in directory names while
// collapsing the resulting whitespace.
func SafeTitle(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
