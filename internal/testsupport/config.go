package testsupport

import (
	"path/filepath"
	"testing"

	"plexbot/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test:
// a movies and a series library plus staging and log dirs.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Libraries = []config.Library{
		{Name: "Movies", Type: "movies", Root: filepath.Join(base, "movies")},
		{Name: "Series", Type: "series", Root: filepath.Join(base, "series")},
	}
	cfg.Telegram.Token = "test-token"
	cfg.TMDB.APIKey = "test-key"
	cfg.Downloader.Workers = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithWorkers overrides the scheduler worker-pool size.
func WithWorkers(workers int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Downloader.Workers = workers
	}
}
