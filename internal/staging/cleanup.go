// Package staging manages the scratch space used for archive extraction.
// Work directories are normally removed by the organizer; anything left
// behind belongs to a crashed run and is reclaimed here.
package staging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plexbot/internal/logging"
)

// CleanResult contains the outcome of a cleanup pass.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes extraction work directories older than maxAge. Only
// directories created by the organizer (extract-* and .extract-* prefixes)
// are touched; anything else in the staging root is left alone.
func CleanStale(stagingDir string, maxAge time.Duration, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() || !isWorkDir(entry.Name()) {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove stale extraction directory",
					logging.String("path", dirPath),
					logging.Error(err))
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed stale extraction directory",
				logging.String("path", dirPath),
				logging.Duration("age", time.Since(info.ModTime())))
		}
	}
	return result
}

func isWorkDir(name string) bool {
	return strings.HasPrefix(name, "extract-") || strings.HasPrefix(name, ".extract-")
}
