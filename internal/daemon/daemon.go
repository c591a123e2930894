package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"plexbot/internal/bot"
	"plexbot/internal/catalog"
	"plexbot/internal/config"
	"plexbot/internal/downloads"
	"plexbot/internal/identification"
	"plexbot/internal/identification/tmdb"
	"plexbot/internal/logging"
	"plexbot/internal/organizer"
	"plexbot/internal/progress"
	"plexbot/internal/queue"
	"plexbot/internal/services/tdl"
	"plexbot/internal/staging"
)

// staleExtractionAge is how long an extraction work directory may sit in the
// staging root before startup reclaims it.
const staleExtractionAge = 24 * time.Hour

// Daemon wires the Telegram front end to the download scheduler and enforces
// single-instance execution through a lock file.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	catalog   *catalog.Store
	scheduler *downloads.Scheduler
	bot       *bot.Bot

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	botDone chan struct{}
}

// New assembles the daemon and all of its collaborators. The Telegram API
// client is passed in so tests can substitute a fake transport.
func New(cfg *config.Config, logger *slog.Logger, api bot.API) (*Daemon, error) {
	if cfg == nil || api == nil {
		return nil, errors.New("daemon requires config and telegram api")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	catalogStore, err := catalog.Open(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	fetcher, err := tdl.New(cfg)
	if err != nil {
		_ = store.Close()
		_ = catalogStore.Close()
		return nil, fmt.Errorf("configure downloader: %w", err)
	}

	var searcher tmdb.Searcher
	if cfg.TMDB.APIKey != "" {
		client, err := tmdb.New(cfg.TMDB.APIKey, cfg.TMDB.BaseURL, cfg.TMDB.Language)
		if err != nil {
			_ = store.Close()
			_ = catalogStore.Close()
			return nil, fmt.Errorf("configure tmdb: %w", err)
		}
		searcher = client
	} else {
		logger.Warn("tmdb api key not configured, only /manual classification available")
	}
	resolver := identification.NewResolver(searcher, cfg, logger)

	telegramBot := bot.New(cfg, api, store, resolver, catalogStore, logger)
	notifier := telegramBot.Notifier()
	reporter := progress.NewReporter(notifier,
		time.Duration(cfg.Notifications.ProgressInterval)*time.Second, logger)
	post := organizer.New(cfg, logger, organizer.WithRecorder(catalogStore))
	scheduler := downloads.NewScheduler(cfg, store, fetcher, notifier, reporter, logger,
		downloads.WithPostProcessor(post))
	telegramBot.AttachQueue(scheduler)

	lockPath := filepath.Join(cfg.Paths.LogDir, "plexbotd.lock")
	return &Daemon{
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "daemon"),
		store:     store,
		catalog:   catalogStore,
		scheduler: scheduler,
		bot:       telegramBot,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, recovers the queue and launches the
// scheduler plus the Telegram update loop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another plexbot daemon instance is already running")
	}

	if result := staging.CleanStale(d.cfg.Paths.StagingDir, staleExtractionAge, d.logger); len(result.Removed) > 0 {
		d.logger.Info("reclaimed stale extraction space", logging.Int("directories", len(result.Removed)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.scheduler.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start scheduler: %w", err)
	}

	d.cancel = cancel
	d.botDone = make(chan struct{})
	go func() {
		defer close(d.botDone)
		if err := d.bot.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("telegram update loop failed", logging.Error(err))
		}
	}()

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts the update loop and the scheduler down, then releases the lock.
// Running downloads are killed and recorded as failed.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	<-d.botDone
	d.scheduler.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases storage.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.catalog != nil {
		errs = append(errs, d.catalog.Close())
	}
	return errors.Join(errs...)
}
