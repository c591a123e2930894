package organizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"plexbot/internal/config"
	"plexbot/internal/logging"
	"plexbot/internal/queue"
	"plexbot/internal/services"
)

// Recorder persists finished downloads into the media catalog.
type Recorder interface {
	RecordDownload(ctx context.Context, task *queue.Task, files []string) error
}

// CommandRunner executes an external command. It exists so tests can avoid
// shelling out to unrar.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Organizer finalizes a completed download in place: archives are unpacked,
// episode files renamed to the library convention and permissions normalized.
type Organizer struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog Recorder
	runner  CommandRunner
}

// Option configures an Organizer.
type Option func(*Organizer)

// WithRecorder attaches a catalog recorder.
func WithRecorder(recorder Recorder) Option {
	return func(o *Organizer) {
		o.catalog = recorder
	}
}

// WithRunner overrides the command runner used for unrar.
func WithRunner(runner CommandRunner) Option {
	return func(o *Organizer) {
		if runner != nil {
			o.runner = runner
		}
	}
}

// New constructs an Organizer.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Organizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	org := &Organizer{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "organizer"),
		runner: execRunner{},
	}
	for _, opt := range opts {
		opt(org)
	}
	return org
}

// Process runs post-download organization for a succeeded task. The task's
// queue status is never touched here; a failure is reported to the caller and
// surfaced to the user without demoting the download itself.
func (o *Organizer) Process(ctx context.Context, task *queue.Task) error {
	dir := strings.TrimSpace(task.Destination)
	if dir == "" {
		return services.Wrap(services.ErrValidation, "organizer", "validate", "task has no destination directory", nil)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return services.Wrap(services.ErrValidation, "organizer", "validate", fmt.Sprintf("destination %s unavailable", dir), err)
	}
	if !info.IsDir() {
		return services.Wrap(services.ErrValidation, "organizer", "validate", fmt.Sprintf("destination %s is not a directory", dir), nil)
	}

	logger := o.logger.With(logging.String("task_id", task.ID), logging.String("destination", dir))
	logger.Info("organizing download", logging.String("group", task.Group.String()))

	if o.cfg.Downloader.ExtractArchives {
		if err := o.extractArchives(ctx, task, dir); err != nil {
			return err
		}
	}

	if task.Group.Season > 0 {
		renamed, err := renameEpisodes(dir, taskTitle(task), task.Group.Season)
		if err != nil {
			return err
		}
		if renamed > 0 {
			logger.Info("renamed episode files", logging.Int("count", renamed))
		}
	}

	if err := normalizePermissions(dir); err != nil {
		return services.Wrap(services.ErrTransient, "organizer", "permissions", "failed to normalize file modes", err)
	}

	files, err := mediaFiles(dir)
	if err != nil {
		return services.Wrap(services.ErrTransient, "organizer", "list media", "failed to enumerate media files", err)
	}
	if len(files) == 0 {
		logger.Warn("no media files found after organization")
	}
	if o.catalog != nil {
		if err := o.catalog.RecordDownload(ctx, task, files); err != nil {
			return services.Wrap(services.ErrTransient, "organizer", "catalog", "failed to record download", err)
		}
	}
	logger.Info("organization completed", logging.Int("media_files", len(files)))
	return nil
}

func taskTitle(task *queue.Task) string {
	if title := strings.TrimSpace(task.Group.Title); title != "" {
		return title
	}
	return strings.TrimSpace(task.GroupLabel)
}

// mediaFiles lists video files under dir, sorted by path.
func mediaFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if isVideoFile(entry.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func isVideoFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mkv", ".mp4", ".avi", ".m4v", ".mov", ".wmv", ".ts", ".webm":
		return true
	}
	return false
}

func normalizePermissions(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if entry.IsDir() {
			mode = 0o755
		}
		if chmodErr := os.Chmod(path, mode); chmodErr != nil && !errors.Is(chmodErr, fs.ErrNotExist) {
			return chmodErr
		}
		return nil
	})
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if len(detail) > 400 {
			detail = detail[len(detail)-400:]
		}
		if detail != "" {
			return fmt.Errorf("%s: %w: %s", name, err, detail)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
