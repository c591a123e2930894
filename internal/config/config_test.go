package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func minimalConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	return writeConfig(t, `
[paths]
staging_dir = "`+filepath.Join(root, "staging")+`"
log_dir = "`+filepath.Join(root, "logs")+`"

[[libraries]]
name = "Movies"
type = "movies"
root = "`+filepath.Join(root, "movies")+`"

[telegram]
token = "123:abc"
`)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, path, exists, err := Load(minimalConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if !exists || path == "" {
		t.Fatalf("expected existing config, got %q %v", path, exists)
	}
	if cfg.Downloader.Binary != "tdl" {
		t.Fatalf("expected default binary, got %q", cfg.Downloader.Binary)
	}
	if cfg.Downloader.Workers != 3 {
		t.Fatalf("expected default workers, got %d", cfg.Downloader.Workers)
	}
	if cfg.TMDB.BaseURL == "" || cfg.Notifications.ProgressInterval != 5 {
		t.Fatalf("expected ambient defaults, got %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved == "" || cfg == nil {
		t.Fatal("expected resolved path and defaults")
	}
}

func TestLoadRejectsUnknownLibraryType(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `
[[libraries]]
type = "podcasts"
root = "`+filepath.Join(root, "podcasts")+`"
`)
	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected unknown category to be rejected")
	}
}

func TestLoadRejectsDuplicateRoots(t *testing.T) {
	root := filepath.Join(t.TempDir(), "media")
	path := writeConfig(t, `
[[libraries]]
type = "movies"
root = "`+root+`"

[[libraries]]
type = "series"
root = "`+root+`"
`)
	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected duplicate roots to be rejected")
	}
}

func TestValidateDownloaderBounds(t *testing.T) {
	cfg := Default()
	cfg.Libraries = []Library{{Type: "movies", Root: "/tmp/movies"}}

	cfg.Downloader.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected workers < 1 to be rejected")
	}

	cfg = Default()
	cfg.Libraries = []Library{{Type: "movies", Root: "/tmp/movies"}}
	cfg.Downloader.Binary = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty binary to be rejected")
	}
}

func TestTelegramTokenEnvFallback(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	root := t.TempDir()
	path := writeConfig(t, `
[[libraries]]
type = "movies"
root = "`+filepath.Join(root, "movies")+`"
`)
	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env fallback, got %q", cfg.Telegram.Token)
	}
}

func TestLibraryRootNormalizesCategory(t *testing.T) {
	cfg := Default()
	cfg.Libraries = []Library{{Type: "movies", Root: "/library/movies"}}

	root, ok := cfg.LibraryRoot("Movie")
	if !ok || root != "/library/movies" {
		t.Fatalf("expected movie alias to resolve, got %q %v", root, ok)
	}
	if _, ok := cfg.LibraryRoot("series"); ok {
		t.Fatal("expected missing category to report false")
	}
}

func TestNormalizeCategory(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Movie", "movies"},
		{" MOVIES ", "movies"},
		{"Series", "series"},
		{"anime", "anime"},
	}
	for _, tc := range cases {
		if got := NormalizeCategory(tc.in); got != tc.want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandPath("~/media")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, home) {
		t.Fatalf("expected %q under %q", got, home)
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteSample(path); err != nil {
		t.Fatal(err)
	}
	if err := WriteSample(path); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	loaded, _, exists, err := Load(path)
	if err != nil || !exists {
		t.Fatalf("sample config must load: %v", err)
	}
	if loaded.Downloader.Binary == "" {
		t.Fatal("sample config must keep downloader defaults")
	}
}
