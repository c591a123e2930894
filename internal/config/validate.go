package config

import (
	"errors"
	"fmt"
)

var knownCategories = map[string]struct{}{
	"movies":      {},
	"series":      {},
	"anime":       {},
	"documentary": {},
	"docuseries":  {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLibraries(); err != nil {
		return err
	}
	if err := c.validateDownloader(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLibraries() error {
	if len(c.Libraries) == 0 {
		return errors.New("at least one [[libraries]] entry must be configured")
	}
	seen := make(map[string]struct{}, len(c.Libraries))
	for i, lib := range c.Libraries {
		if lib.Root == "" {
			return fmt.Errorf("libraries[%d].root must be set", i)
		}
		if _, ok := knownCategories[lib.Type]; !ok {
			return fmt.Errorf("libraries[%d].type %q is not a known category", i, lib.Type)
		}
		if _, dup := seen[lib.Root]; dup {
			return fmt.Errorf("libraries[%d].root %q is configured twice", i, lib.Root)
		}
		seen[lib.Root] = struct{}{}
	}
	return nil
}

func (c *Config) validateDownloader() error {
	if c.Downloader.Binary == "" {
		return errors.New("downloader.binary must be set")
	}
	if c.Downloader.Workers < 1 {
		return errors.New("downloader.workers must be at least 1")
	}
	if c.Downloader.Threads < 1 {
		return errors.New("downloader.threads must be at least 1")
	}
	if c.Downloader.IdleTimeout < 0 {
		return errors.New("downloader.idle_timeout must not be negative")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.ProgressInterval < 1 {
		return errors.New("notifications.progress_interval must be at least 1 second")
	}
	return nil
}
