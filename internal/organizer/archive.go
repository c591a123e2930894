package organizer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"plexbot/internal/fileutil"
	"plexbot/internal/logging"
	"plexbot/internal/queue"
	"plexbot/internal/services"
)

// extractArchives unpacks every zip and rar archive found directly under dir.
// Extraction happens in a per-task staging directory so a corrupt archive
// never leaves partial files in the library; extracted files are then moved
// into dir and the archive removed. Nested archives produced by an extraction
// are not revisited.
func (o *Organizer) extractArchives(ctx context.Context, task *queue.Task, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return services.Wrap(services.ErrTransient, "organizer", "extract", "failed to read destination", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".zip" && ext != ".rar" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		workDir, err := o.stagingDir(task, dir)
		if err != nil {
			return services.Wrap(services.ErrTransient, "organizer", "extract", "failed to create staging directory", err)
		}

		switch ext {
		case ".zip":
			err = extractZip(path, workDir)
			if err != nil {
				err = services.Wrap(services.ErrExternalTool, "organizer", "extract", fmt.Sprintf("unzip %s", entry.Name()), err)
			}
		case ".rar":
			err = o.runner.Run(ctx, "unrar", "x", "-o+", "-idq", path, workDir+string(os.PathSeparator))
			if err != nil {
				err = services.Wrap(services.ErrExternalTool, "organizer", "extract", fmt.Sprintf("unrar %s", entry.Name()), err)
			}
		}
		if err != nil {
			os.RemoveAll(workDir)
			return err
		}

		if err := promoteExtracted(workDir, dir); err != nil {
			os.RemoveAll(workDir)
			return services.Wrap(services.ErrTransient, "organizer", "extract", fmt.Sprintf("move extracted files from %s", entry.Name()), err)
		}
		os.RemoveAll(workDir)

		if err := os.Remove(path); err != nil {
			o.logger.Warn("failed to remove extracted archive", logging.String("archive", path), logging.Error(err))
		} else {
			o.logger.Info("extracted archive", logging.String("archive", entry.Name()))
		}
	}
	return nil
}

// stagingDir picks the scratch space for one extraction. Falls back to a
// temp directory next to the destination when no staging root is configured,
// keeping the move a cheap rename on the same filesystem.
func (o *Organizer) stagingDir(task *queue.Task, dest string) (string, error) {
	root := strings.TrimSpace(o.cfg.Paths.StagingDir)
	if root == "" {
		return os.MkdirTemp(dest, ".extract-")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	workDir := filepath.Join(root, "extract-"+task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	return workDir, nil
}

// promoteExtracted moves every extracted file into dest, flattening the
// archive's directory layout.
func promoteExtracted(workDir, dest string) error {
	return filepath.WalkDir(workDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		return fileutil.MoveFile(path, filepath.Join(dest, entry.Name()))
	})
}

func extractZip(archive, dir string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer reader.Close()

	root := filepath.Clean(dir)
	for _, file := range reader.File {
		target := filepath.Join(root, file.Name)
		// Reject entries escaping the destination.
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := writeZipEntry(file, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(0o644))
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
