package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"plexbot/internal/config"
	"plexbot/internal/queue"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store manages the media catalog backed by SQLite. The catalog mirrors what
// is on disk; it can always be rebuilt with a library scan.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the catalog database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.LogDir, "catalog.db"))
}

// OpenPath opens the catalog database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("catalog database has version %d, expected %d (run 'plexbot catalog scan' after deleting it)",
			version, schemaVersion)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// UpsertMovie records a movie file, replacing any previous entry for the path.
func (s *Store) UpsertMovie(ctx context.Context, title string, year int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO movies (title, year, path, added_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(path) DO UPDATE SET title = excluded.title, year = excluded.year`,
		strings.TrimSpace(title), year, path, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert movie: %w", err)
	}
	return nil
}

// UpsertShow records a show and returns its identifier.
func (s *Store) UpsertShow(ctx context.Context, title string, year int, category string) (int64, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, errors.New("catalog: show title must not be empty")
	}
	if category == "" {
		category = "series"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shows (title, year, category, added_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(title) DO UPDATE SET
             year = CASE WHEN excluded.year > 0 THEN excluded.year ELSE shows.year END,
             category = excluded.category`,
		title, year, category, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert show: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM shows WHERE title = ?`, title).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup show id: %w", err)
	}
	return id, nil
}

// UpsertEpisode records an episode file for a show.
func (s *Store) UpsertEpisode(ctx context.Context, showID int64, season, episode int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (show_id, season, episode, path, added_at) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(show_id, season, episode) DO UPDATE SET path = excluded.path`,
		showID, season, episode, path, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert episode: %w", err)
	}
	return nil
}

// RecordDownload catalogs the media files of a finished download. Season
// groups become show episodes; everything else is treated as a movie.
func (s *Store) RecordDownload(ctx context.Context, task *queue.Task, files []string) error {
	if task == nil || len(files) == 0 {
		return nil
	}
	title := strings.TrimSpace(task.Group.Title)
	if title == "" {
		title = labelTitle(task.GroupLabel)
	}
	year := labelYear(task.GroupLabel)

	if task.Group.Season > 0 {
		showID, err := s.UpsertShow(ctx, title, year, "series")
		if err != nil {
			return err
		}
		for _, file := range files {
			season, episode, ok := parseEpisodePath(file)
			if !ok {
				continue
			}
			if season == 0 {
				season = task.Group.Season
			}
			if err := s.UpsertEpisode(ctx, showID, season, episode, file); err != nil {
				return err
			}
		}
		return nil
	}
	for _, file := range files {
		if err := s.UpsertMovie(ctx, title, year, file); err != nil {
			return err
		}
	}
	return nil
}

// EntryKind distinguishes catalog search results.
type EntryKind string

const (
	EntryMovie EntryKind = "movie"
	EntryShow  EntryKind = "show"
)

// Entry is a catalog search result.
type Entry struct {
	Kind     EntryKind
	Title    string
	Year     int
	Episodes int
}

// Search matches movies and shows by title substring, case insensitively.
func (s *Store) Search(ctx context.Context, query string) ([]Entry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("catalog: search query must not be empty")
	}
	pattern := "%" + escapeLike(query) + "%"

	var entries []Entry
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, year FROM movies WHERE title LIKE ? ESCAPE '\' ORDER BY title`, pattern)
	if err != nil {
		return nil, fmt.Errorf("search movies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		entry := Entry{Kind: EntryMovie}
		if err := rows.Scan(&entry.Title, &entry.Year); err != nil {
			return nil, fmt.Errorf("scan movie: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	showRows, err := s.db.QueryContext(ctx,
		`SELECT s.title, s.year, COUNT(e.id)
         FROM shows s LEFT JOIN episodes e ON e.show_id = s.id
         WHERE s.title LIKE ? ESCAPE '\'
         GROUP BY s.id ORDER BY s.title`, pattern)
	if err != nil {
		return nil, fmt.Errorf("search shows: %w", err)
	}
	defer showRows.Close()
	for showRows.Next() {
		entry := Entry{Kind: EntryShow}
		if err := showRows.Scan(&entry.Title, &entry.Year, &entry.Episodes); err != nil {
			return nil, fmt.Errorf("scan show: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, showRows.Err()
}

// Stats summarizes catalog contents.
type Stats struct {
	Movies   int
	Shows    int
	Episodes int
}

// Stats returns catalog-wide media counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx,
		`SELECT
            (SELECT COUNT(1) FROM movies),
            (SELECT COUNT(1) FROM shows),
            (SELECT COUNT(1) FROM episodes)`)
	if err := row.Scan(&stats.Movies, &stats.Shows, &stats.Episodes); err != nil {
		return Stats{}, fmt.Errorf("catalog stats: %w", err)
	}
	return stats, nil
}

// Reset empties the catalog ahead of a full rescan.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"episodes", "shows", "movies"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

var (
	yearSuffixRe  = regexp.MustCompile(`^(.*)\((\d{4})\)\s*$`)
	episodeMarkRe = regexp.MustCompile(`(?i)s(\d{1,2})[ ._-]?e(\d{1,3})`)
)

// labelTitle strips a trailing season marker and "(Year)" from a group label.
func labelTitle(label string) string {
	label = labelStripSeason(label)
	if m := yearSuffixRe.FindStringSubmatch(label); m != nil {
		return strings.TrimSpace(m[1])
	}
	return label
}

func labelYear(label string) int {
	if m := yearSuffixRe.FindStringSubmatch(labelStripSeason(label)); m != nil {
		year, _ := strconv.Atoi(m[2])
		return year
	}
	return 0
}

func labelStripSeason(label string) string {
	label = strings.TrimSpace(label)
	if idx := strings.LastIndex(label, " S"); idx > 0 && len(label) == idx+4 {
		if _, err := strconv.Atoi(label[idx+2:]); err == nil {
			return strings.TrimSpace(label[:idx])
		}
	}
	return label
}

func parseEpisodePath(path string) (season, episode int, ok bool) {
	name := filepath.Base(path)
	if m := episodeMarkRe.FindStringSubmatch(name); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode, true
	}
	return 0, 0, false
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
