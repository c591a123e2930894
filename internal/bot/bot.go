package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plexbot/internal/catalog"
	"plexbot/internal/config"
	"plexbot/internal/downloads"
	"plexbot/internal/identification"
	"plexbot/internal/logging"
	"plexbot/internal/notifications"
	"plexbot/internal/queue"
)

// API is the slice of the Telegram client the bot uses. *tgbotapi.BotAPI
// satisfies it; tests substitute a fake.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// QueueController is the scheduler surface the bot drives.
type QueueController interface {
	Enqueue(ctx context.Context, sub downloads.Submission) (*queue.Task, int, error)
	ListByChat(ctx context.Context, chatID int64) ([]downloads.GroupView, error)
	CancelGroup(ctx context.Context, groupKey string) (int, error)
	CancelAllForChat(ctx context.Context, chatID int64) (int, error)
}

// Catalog is the media catalog surface the bot queries.
type Catalog interface {
	Search(ctx context.Context, query string) ([]catalog.Entry, error)
	Stats(ctx context.Context) (catalog.Stats, error)
	Scan(ctx context.Context, cfg *config.Config, logger *slog.Logger) (catalog.ScanResult, error)
}

// QueueStats exposes queue-wide counters for /stats.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Summary, error)
}

// Bot is the Telegram front end: it turns chat messages into queue
// submissions and renders queue state back into the chat.
type Bot struct {
	api      API
	cfg      *config.Config
	logger   *slog.Logger
	queue    QueueController
	stats    QueueStats
	resolver *identification.Resolver
	catalog  Catalog
	notifier notifications.Service

	mu       sync.Mutex
	sessions map[int64]*session
}

// Connect authenticates against the Telegram API with the configured token.
func Connect(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPI(cfg.Telegram.Token)
}

// New assembles the bot from its collaborators. The queue controller is
// attached separately because its notifications are delivered through the
// bot itself.
func New(
	cfg *config.Config,
	api API,
	stats QueueStats,
	resolver *identification.Resolver,
	mediaCatalog Catalog,
	logger *slog.Logger,
) *Bot {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Bot{
		api:      api,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "bot"),
		stats:    stats,
		resolver: resolver,
		catalog:  mediaCatalog,
		sessions: make(map[int64]*session),
	}
	b.notifier = notifications.NewService(b)
	return b
}

// Notifier returns the notification service that writes through this bot's
// transport. Command acknowledgements and scheduler updates share it so every
// user-facing message is worded in one place.
func (b *Bot) Notifier() notifications.Service {
	return b.notifier
}

// AttachQueue wires the scheduler in. Must be called before Run.
func (b *Bot) AttachQueue(controller QueueController) {
	b.queue = controller
}

// SendMessage delivers a plain text message to a chat. It implements
// notifications.Sender so the scheduler's updates flow through the same
// transport as command replies.
func (b *Bot) SendMessage(_ context.Context, chatID int64, text string) error {
	if chatID == 0 || text == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

// Run consumes Telegram updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.queue == nil {
		return errors.New("bot: queue controller not attached")
	}
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := b.api.GetUpdatesChan(updateCfg)
	b.logger.Info("telegram update loop started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram update loop stopped")
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) session(chatID int64) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[chatID]
	if !ok {
		sess = &session{}
		b.sessions[chatID] = sess
	}
	return sess
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Warn("reply failed", logging.Int64("chat_id", chatID), logging.Error(err))
	}
}
