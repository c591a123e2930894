package catalog

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"plexbot/internal/config"
	"plexbot/internal/logging"
)

// ScanResult summarizes a full library scan.
type ScanResult struct {
	Movies   int
	Shows    int
	Episodes int
	Skipped  int
}

var seasonDirRe = regexp.MustCompile(`(?i)^season[ ._-]?(\d{1,3})$`)

// Scan rebuilds the catalog from the configured library roots. Movie
// libraries contribute one entry per video file; series libraries expect a
// show directory with optional "Season NN" subdirectories.
func (s *Store) Scan(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ScanResult, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.WithComponent(logger, "catalog")

	if err := s.Reset(ctx); err != nil {
		return ScanResult{}, err
	}

	var result ScanResult
	for _, lib := range cfg.Libraries {
		category := config.NormalizeCategory(lib.Type)
		if _, err := os.Stat(lib.Root); err != nil {
			logger.Warn("skipping unavailable library", logging.String("root", lib.Root), logging.Error(err))
			result.Skipped++
			continue
		}
		var err error
		switch category {
		case "movies", "documentary":
			err = s.scanMovies(ctx, lib.Root, &result)
		default:
			err = s.scanShows(ctx, lib.Root, category, &result)
		}
		if err != nil {
			return result, err
		}
		logger.Info("scanned library",
			logging.String("root", lib.Root),
			logging.String("category", category))
	}
	logger.Info("catalog scan completed",
		logging.Int("movies", result.Movies),
		logging.Int("shows", result.Shows),
		logging.Int("episodes", result.Episodes))
	return result, nil
}

func (s *Store) scanMovies(ctx context.Context, root string, result *ScanResult) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() || !isVideoFile(entry.Name()) {
			return nil
		}
		title, year := titleFromPath(root, path)
		if title == "" {
			return nil
		}
		if err := s.UpsertMovie(ctx, title, year, path); err != nil {
			return err
		}
		result.Movies++
		return nil
	})
}

func (s *Store) scanShows(ctx context.Context, root, category string, result *ScanResult) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		title, year := splitTitleYear(entry.Name())
		if title == "" {
			continue
		}
		showDir := filepath.Join(root, entry.Name())
		episodes, err := collectEpisodes(showDir)
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			continue
		}
		showID, err := s.UpsertShow(ctx, title, year, category)
		if err != nil {
			return err
		}
		result.Shows++
		for _, ep := range episodes {
			if err := s.UpsertEpisode(ctx, showID, ep.season, ep.episode, ep.path); err != nil {
				return err
			}
			result.Episodes++
		}
	}
	return nil
}

type scannedEpisode struct {
	season  int
	episode int
	path    string
}

// collectEpisodes walks a show directory. Files in "Season NN" directories
// inherit that season when their own name carries none.
func collectEpisodes(showDir string) ([]scannedEpisode, error) {
	var episodes []scannedEpisode
	err := filepath.WalkDir(showDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !isVideoFile(entry.Name()) {
			return nil
		}
		season, episode, ok := parseEpisodePath(path)
		if !ok {
			return nil
		}
		if season == 0 {
			season = seasonFromDir(filepath.Dir(path))
		}
		if season == 0 {
			season = 1
		}
		episodes = append(episodes, scannedEpisode{season: season, episode: episode, path: path})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return episodes, nil
}

func seasonFromDir(dir string) int {
	if m := seasonDirRe.FindStringSubmatch(filepath.Base(dir)); m != nil {
		season, _ := strconv.Atoi(m[1])
		return season
	}
	return 0
}

// titleFromPath derives a movie title from the parent directory when the
// file sits in its own folder, otherwise from the filename.
func titleFromPath(root, path string) (string, int) {
	parent := filepath.Dir(path)
	if parent != filepath.Clean(root) {
		return splitTitleYear(filepath.Base(parent))
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return splitTitleYear(base)
}

func splitTitleYear(name string) (string, int) {
	name = strings.TrimSpace(name)
	if m := yearSuffixRe.FindStringSubmatch(name); m != nil {
		year, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), year
	}
	return name, 0
}

func isVideoFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mkv", ".mp4", ".avi", ".m4v", ".mov", ".wmv", ".ts", ".webm":
		return true
	}
	return false
}
