package identification

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"plexbot/internal/identification/tmdb"
	"plexbot/internal/queue"
	"plexbot/internal/testsupport"
)

type stubSearcher struct {
	multi  *tmdb.Response
	movies *tmdb.Response
	shows  *tmdb.Response
	err    error
	calls  []string
}

func (s *stubSearcher) respond(endpoint string, resp *tmdb.Response) (*tmdb.Response, error) {
	s.calls = append(s.calls, endpoint)
	if s.err != nil {
		return nil, s.err
	}
	if resp == nil {
		resp = &tmdb.Response{}
	}
	return resp, nil
}

func (s *stubSearcher) SearchMovie(ctx context.Context, query string) (*tmdb.Response, error) {
	return s.respond("movie", s.movies)
}

func (s *stubSearcher) SearchTV(ctx context.Context, query string) (*tmdb.Response, error) {
	return s.respond("tv", s.shows)
}

func (s *stubSearcher) SearchMulti(ctx context.Context, query string) (*tmdb.Response, error) {
	return s.respond("multi", s.multi)
}

func newResolver(t *testing.T, searcher tmdb.Searcher) *Resolver {
	t.Helper()
	return NewResolver(searcher, testsupport.NewConfig(t), nil)
}

func TestCandidatesFiltersAndOrders(t *testing.T) {
	searcher := &stubSearcher{multi: &tmdb.Response{Results: []tmdb.Result{
		{Name: "Obscure Person", MediaType: "person", Popularity: 99},
		{Title: "Heat", MediaType: "movie", ReleaseDate: "1995-12-15", Popularity: 40},
		{Name: "Severance", MediaType: "tv", FirstAirDate: "2022-02-18", Popularity: 80},
		{MediaType: "movie", Popularity: 70}, // no title
	}}}
	resolver := newResolver(t, searcher)

	candidates, err := resolver.Candidates(context.Background(), "anything", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].DisplayTitle() != "Severance" || candidates[1].DisplayTitle() != "Heat" {
		t.Fatalf("expected popularity ordering, got %+v", candidates)
	}
}

func TestCandidatesCapsAtFive(t *testing.T) {
	results := make([]tmdb.Result, 8)
	for i := range results {
		results[i] = tmdb.Result{Title: "Movie", MediaType: "movie", Popularity: float64(i)}
	}
	resolver := newResolver(t, &stubSearcher{multi: &tmdb.Response{Results: results}})

	candidates, err := resolver.Candidates(context.Background(), "movie", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 5 {
		t.Fatalf("expected 5 candidates, got %d", len(candidates))
	}
}

func TestCandidatesSeasonHintUsesTVSearch(t *testing.T) {
	searcher := &stubSearcher{shows: &tmdb.Response{Results: []tmdb.Result{
		{Name: "Severance", FirstAirDate: "2022-02-18", Popularity: 80},
	}}}
	resolver := newResolver(t, searcher)

	candidates, err := resolver.Candidates(context.Background(), "severance", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(searcher.calls) != 1 || searcher.calls[0] != "tv" {
		t.Fatalf("expected a single tv search, got %v", searcher.calls)
	}
	// Per-type endpoints omit media_type; it must be filled in.
	if candidates[0].MediaType != "tv" {
		t.Fatalf("expected tv media type, got %q", candidates[0].MediaType)
	}
}

func TestCandidatesFallsBackToTypedSearch(t *testing.T) {
	searcher := &stubSearcher{
		multi:  &tmdb.Response{Results: []tmdb.Result{{Name: "Somebody", MediaType: "person", Popularity: 99}}},
		movies: &tmdb.Response{Results: []tmdb.Result{{Title: "Heat", ReleaseDate: "1995-12-15", Popularity: 40}}},
		shows:  &tmdb.Response{Results: []tmdb.Result{{Name: "Severance", FirstAirDate: "2022-02-18", Popularity: 80}}},
	}
	resolver := newResolver(t, searcher)

	candidates, err := resolver.Candidates(context.Background(), "anything", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(searcher.calls) != 3 || searcher.calls[0] != "multi" {
		t.Fatalf("expected multi then typed searches, got %v", searcher.calls)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected merged candidates, got %+v", candidates)
	}
	if candidates[0].DisplayTitle() != "Severance" || candidates[0].MediaType != "tv" {
		t.Fatalf("unexpected first candidate: %+v", candidates[0])
	}
	if candidates[1].DisplayTitle() != "Heat" || candidates[1].MediaType != "movie" {
		t.Fatalf("unexpected second candidate: %+v", candidates[1])
	}
}

func TestCandidatesNoMatch(t *testing.T) {
	resolver := newResolver(t, &stubSearcher{})
	if _, err := resolver.Candidates(context.Background(), "nothing", 0); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}

	resolver = newResolver(t, nil)
	if _, err := resolver.Candidates(context.Background(), "nothing", 0); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch without a searcher, got %v", err)
	}
}

func TestClassifyMovie(t *testing.T) {
	resolver := newResolver(t, nil)
	cls, err := resolver.Classify(tmdb.Result{
		Title:       "Heat",
		MediaType:   "movie",
		ReleaseDate: "1995-12-15",
	}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Category != "movies" || cls.Season != 0 || cls.Grouped {
		t.Fatalf("unexpected classification: %+v", cls)
	}
	if cls.Key != queue.ResolvedKey("Heat", 0) {
		t.Fatalf("unexpected key: %+v", cls.Key)
	}
	if cls.Label != "Heat (1995)" {
		t.Fatalf("unexpected label: %q", cls.Label)
	}
	if !strings.HasSuffix(cls.Destination, filepath.Join("Heat (1995)")) {
		t.Fatalf("unexpected destination: %q", cls.Destination)
	}
}

func TestClassifyTVDefaultsToSeasonOne(t *testing.T) {
	resolver := newResolver(t, nil)
	cls, err := resolver.Classify(tmdb.Result{
		Name:         "Severance",
		MediaType:    "tv",
		FirstAirDate: "2022-02-18",
	}, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Category != "series" || cls.Season != 1 || !cls.Grouped {
		t.Fatalf("unexpected classification: %+v", cls)
	}
	if cls.Key != queue.ResolvedKey("Severance", 1) {
		t.Fatalf("unexpected key: %+v", cls.Key)
	}
	if !strings.HasSuffix(cls.Destination, filepath.Join("Severance (2022)", "Season 01")) {
		t.Fatalf("unexpected destination: %q", cls.Destination)
	}
}

func TestClassifyMovieCategoryDropsSeason(t *testing.T) {
	resolver := newResolver(t, nil)
	cls, err := resolver.Classify(tmdb.Result{Title: "Heat", MediaType: "movie"}, "movies", 3)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Season != 0 || cls.Grouped {
		t.Fatalf("movies must not carry a season: %+v", cls)
	}
}

func TestClassifyUnknownCategoryFails(t *testing.T) {
	resolver := newResolver(t, nil)
	if _, err := resolver.Classify(tmdb.Result{Title: "Heat", MediaType: "movie"}, "podcasts", 0); err == nil {
		t.Fatal("expected error for category without a library")
	}
}

func TestManualClassification(t *testing.T) {
	resolver := newResolver(t, nil)
	cls, err := resolver.Manual("obscure show", "series", 2)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Key != queue.ManualKey("obscure show") {
		t.Fatalf("unexpected key: %+v", cls.Key)
	}
	if cls.Title != "Obscure Show" {
		t.Fatalf("expected title casing, got %q", cls.Title)
	}
	if cls.Label != "Obscure Show S02" {
		t.Fatalf("unexpected label: %q", cls.Label)
	}
	if !strings.HasSuffix(cls.Destination, filepath.Join("Obscure Show", "Season 02")) {
		t.Fatalf("unexpected destination: %q", cls.Destination)
	}
}

func TestManualInfersCategoryFromSeason(t *testing.T) {
	resolver := newResolver(t, nil)

	cls, err := resolver.Manual("some film", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Category != "movies" {
		t.Fatalf("expected movies, got %q", cls.Category)
	}

	cls, err = resolver.Manual("some show", "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if cls.Category != "series" || cls.Season != 3 {
		t.Fatalf("expected series season 3, got %+v", cls)
	}
}

func TestManualRejectsEmptyLabel(t *testing.T) {
	resolver := newResolver(t, nil)
	if _, err := resolver.Manual("   ", "movies", 0); err == nil {
		t.Fatal("expected error for blank label")
	}
}

func TestSafeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Heat (1995)", "Heat (1995)"},
		{"What If...?: Season", "What If...? Season"},
		{`A/B\C*D?E"F<G>H|I`, "A B C D E F G H I"},
		{"  spaced   out  ", "spaced out"},
	}
	for _, tc := range cases {
		if got := SafeTitle(tc.in); got != tc.want {
			t.Errorf("SafeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
