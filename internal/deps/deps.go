// Package deps reports the availability of the external tools plexbot
// shells out to.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"plexbot/internal/config"
)

// Requirement defines an external dependency plexbot relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements derives the tool set implied by the configuration. The
// downloader binary is always required; unrar only matters when archive
// extraction is enabled.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{
			Name:        "tdl",
			Command:     cfg.Downloader.Binary,
			Description: "Telegram downloader used for all transfers",
		},
	}
	if cfg.Downloader.ExtractArchives {
		reqs = append(reqs, Requirement{
			Name:        "unrar",
			Command:     "unrar",
			Description: "extracts .rar archives after download",
			Optional:    true,
		})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// MissingRequired returns the names of required tools that are unavailable.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, status := range statuses {
		if !status.Optional && !status.Available {
			missing = append(missing, status.Name)
		}
	}
	return missing
}
