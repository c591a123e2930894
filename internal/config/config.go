// Package config loads and validates the plexbot TOML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
}

// Library maps a media category to its filesystem root.
type Library struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
	Root string `toml:"root"`
}

// Downloader contains configuration for the external tdl fetch tool.
type Downloader struct {
	Binary          string `toml:"binary"`
	Home            string `toml:"home"`
	Threads         int    `toml:"threads"`
	ConnectionLimit int    `toml:"connection_limit"`
	Workers         int    `toml:"workers"`
	IdleTimeout     int    `toml:"idle_timeout"`
	ExtractArchives bool   `toml:"extract_archives"`
}

// Telegram contains chat transport configuration.
type Telegram struct {
	Token       string `toml:"token"`
	AdminChatID int64  `toml:"admin_chat_id"`
}

// TMDB contains configuration for The Movie Database API.
type TMDB struct {
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	Language string `toml:"language"`
}

// Notifications controls user-facing update volume.
type Notifications struct {
	ProgressInterval int `toml:"progress_interval"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Libraries     []Library     `toml:"libraries"`
	Downloader    Downloader    `toml:"downloader"`
	Telegram      Telegram      `toml:"telegram"`
	TMDB          TMDB          `toml:"tmdb"`
	Notifications Notifications `toml:"notifications"`
	LogLevel      string        `toml:"log_level"`
	LogFormat     string        `toml:"log_format"`
}

// DefaultConfigPath returns the canonical config file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/plexbot/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	// A missing file is reported through exists so callers can point the user
	// at `plexbot config init` instead of a validation error about defaults.
	if exists {
		if err := cfg.Validate(); err != nil {
			return nil, "", false, err
		}
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", false, err
		}
		path = defaultPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return resolved, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	return resolved, true, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config file already exists at %s", resolved)
	}
	return os.WriteFile(resolved, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, lib := range c.Libraries {
		// Best-effort to avoid failing config load when storage is offline.
		_ = os.MkdirAll(lib.Root, 0o755)
	}
	return nil
}

// LibraryRoot returns the root directory configured for a category.
func (c *Config) LibraryRoot(category string) (string, bool) {
	category = NormalizeCategory(category)
	for _, lib := range c.Libraries {
		if NormalizeCategory(lib.Type) == category {
			return lib.Root, true
		}
	}
	return "", false
}

// NormalizeCategory folds category aliases onto their canonical names.
func NormalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "movie" {
		return "movies"
	}
	return category
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	for i := range c.Libraries {
		if c.Libraries[i].Root, err = expandPath(c.Libraries[i].Root); err != nil {
			return fmt.Errorf("libraries[%d].root: %w", i, err)
		}
		c.Libraries[i].Type = NormalizeCategory(c.Libraries[i].Type)
	}
	if c.Downloader.Home, err = expandPath(c.Downloader.Home); err != nil {
		return fmt.Errorf("downloader.home: %w", err)
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if c.TMDB.APIKey == "" {
		c.TMDB.APIKey = os.Getenv("TMDB_API_KEY")
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}
