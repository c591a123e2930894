package organizer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"plexbot/internal/services"
)

var (
	sxxExxRe   = regexp.MustCompile(`(?i)s(\d{1,2})[ ._-]?e(\d{1,3})`)
	crossRe    = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	episodeNRe = regexp.MustCompile(`(?i)(?:\bep?\.?\s*|episode\s+)(\d{1,3})\b`)
)

// parseEpisode extracts season and episode numbers from a filename. A zero
// season means the name carried no season of its own.
func parseEpisode(name string) (season, episode int, ok bool) {
	if m := sxxExxRe.FindStringSubmatch(name); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode, true
	}
	if m := crossRe.FindStringSubmatch(name); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode, true
	}
	if m := episodeNRe.FindStringSubmatch(name); m != nil {
		episode, _ = strconv.Atoi(m[1])
		return 0, episode, true
	}
	return 0, 0, false
}

// renameEpisodes renames the video files in dir to "Title - SxxEyy.ext".
// Files whose names carry no recognizable episode number keep their original
// names. Returns how many files were renamed.
func renameEpisodes(dir, title string, season int) (int, error) {
	title = strings.TrimSpace(title)
	if title == "" || season <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "organizer", "rename", "failed to read destination", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && isVideoFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	renamed := 0
	for _, name := range names {
		fileSeason, episode, ok := parseEpisode(name)
		if !ok {
			continue
		}
		if fileSeason == 0 {
			fileSeason = season
		}
		target := fmt.Sprintf("%s - S%02dE%02d%s", title, fileSeason, episode, strings.ToLower(filepath.Ext(name)))
		if target == name {
			continue
		}
		targetPath := filepath.Join(dir, target)
		if _, err := os.Stat(targetPath); err == nil {
			// Another file already claimed this slot; leave the duplicate alone.
			continue
		}
		if err := os.Rename(filepath.Join(dir, name), targetPath); err != nil {
			return renamed, services.Wrap(services.ErrTransient, "organizer", "rename", fmt.Sprintf("rename %s", name), err)
		}
		renamed++
	}
	return renamed, nil
}
