package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"plexbot/internal/catalog"
	"plexbot/internal/downloads"
	"plexbot/internal/identification"
	"plexbot/internal/logging"
)

var (
	linkRe   = regexp.MustCompile(`https?://t\.me/\S+`)
	seasonRe = regexp.MustCompile(`(?i)\bs(?:eason)?\s*(\d{1,2})\s*$`)
)

const helpText = `I queue Telegram media downloads into your libraries.

/search <title> [sN] - look a title up and select a match
/manual <title> [sN] - set a destination without a metadata match
/queue - show your active downloads
/cancel [n] - cancel a queued title group
/cancelall - cancel everything you queued
/dbsearch <text> - search the media catalog
/stats - queue and catalog counters
/scan - rebuild the catalog from disk

After selecting a title, send the t.me message links to download.`

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sess := b.session(chatID)

	if msg.IsCommand() {
		b.handleCommand(ctx, chatID, sess, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if len(sess.candidates) > 0 {
		if n, err := strconv.Atoi(text); err == nil {
			b.handleSelection(ctx, chatID, sess, n)
			return
		}
	}
	if links := linkRe.FindAllString(text, -1); len(links) > 0 {
		b.handleLinks(ctx, chatID, sess, links)
		return
	}
	if hasMedia(msg) {
		b.handleAttachment(ctx, chatID, sess, msg)
		return
	}
	if text != "" {
		b.reply(ctx, chatID, "Send /search <title> to get started, or /start for help.")
	}
}

func hasMedia(msg *tgbotapi.Message) bool {
	return msg.Document != nil || msg.Video != nil || msg.Audio != nil || msg.Animation != nil
}

// attachmentSource derives a t.me message link for an attached file. Only
// posts forwarded from channels carry an address the downloader can fetch;
// direct uploads to the bot chat have none.
func attachmentSource(msg *tgbotapi.Message) (string, bool) {
	if msg.ForwardFromChat == nil || msg.ForwardFromMessageID == 0 {
		return "", false
	}
	// Channel ids arrive with the -100 supergroup prefix; t.me/c links use
	// the bare internal id.
	const channelOffset = int64(1_000_000_000_000)
	id := msg.ForwardFromChat.ID
	if id >= -channelOffset {
		return "", false
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", -id-channelOffset, msg.ForwardFromMessageID), true
}

func (b *Bot) handleAttachment(ctx context.Context, chatID int64, sess *session, msg *tgbotapi.Message) {
	if sess.active == nil {
		b.reply(ctx, chatID, "Select a title first with /search or /manual, then resend the file.")
		return
	}
	source, ok := attachmentSource(msg)
	if !ok {
		b.reply(ctx, chatID, "I can only fetch files forwarded from channels. Forward the original post or send its t.me link.")
		return
	}
	b.handleLinks(ctx, chatID, sess, []string{source})
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, sess *session, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		b.reply(ctx, chatID, helpText)
	case "search":
		b.cmdSearch(ctx, chatID, sess, args)
	case "manual":
		b.cmdManual(ctx, chatID, sess, args)
	case "queue":
		b.cmdQueue(ctx, chatID)
	case "cancel":
		b.cmdCancel(ctx, chatID, args)
	case "cancelall":
		b.cmdCancelAll(ctx, chatID)
	case "stats":
		b.cmdStats(ctx, chatID)
	case "dbsearch":
		b.cmdDBSearch(ctx, chatID, args)
	case "scan":
		b.cmdScan(ctx, chatID)
	default:
		b.reply(ctx, chatID, "Unknown command. Send /start for help.")
	}
}

// splitSeason peels a trailing season marker ("s2", "season 2") off a query.
func splitSeason(args string) (string, int) {
	if m := seasonRe.FindStringSubmatch(args); m != nil {
		season, _ := strconv.Atoi(m[1])
		return strings.TrimSpace(args[:len(args)-len(m[0])]), season
	}
	return strings.TrimSpace(args), 0
}

func (b *Bot) cmdSearch(ctx context.Context, chatID int64, sess *session, args string) {
	query, season := splitSeason(args)
	if query == "" {
		b.reply(ctx, chatID, "Usage: /search <title> [sN]")
		return
	}
	candidates, err := b.resolver.Candidates(ctx, query, season)
	if errors.Is(err, identification.ErrNoMatch) {
		b.reply(ctx, chatID, fmt.Sprintf("No match for %q. Try /manual <title> [sN].", query))
		return
	}
	if err != nil {
		b.logger.Warn("metadata search failed", logging.String("query", query), logging.Error(err))
		b.reply(ctx, chatID, "Metadata lookup failed, try again or use /manual.")
		return
	}
	sess.setCandidates(candidates, season)

	var sb strings.Builder
	sb.WriteString("Reply with a number to select:\n")
	for i, cand := range candidates {
		kind := "movie"
		if cand.MediaType == "tv" {
			kind = "series"
		}
		if year := cand.Year(); year > 0 {
			fmt.Fprintf(&sb, "%d. %s (%d) [%s]\n", i+1, cand.DisplayTitle(), year, kind)
		} else {
			fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, cand.DisplayTitle(), kind)
		}
	}
	b.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleSelection(ctx context.Context, chatID int64, sess *session, n int) {
	candidate, season, ok := sess.pick(n)
	if !ok {
		b.reply(ctx, chatID, fmt.Sprintf("Pick a number between 1 and %d.", len(sess.candidates)))
		return
	}
	cls, err := b.resolver.Classify(candidate, "", season)
	if err != nil {
		b.logger.Warn("classification failed", logging.Error(err))
		b.reply(ctx, chatID, fmt.Sprintf("Could not classify selection: %v", err))
		return
	}
	sess.clearCandidates()
	sess.active = cls
	b.reply(ctx, chatID, fmt.Sprintf("🎯 Selected: %s\n→ %s\nNow send the t.me message links.", cls.Label, cls.Destination))
}

func (b *Bot) cmdManual(ctx context.Context, chatID int64, sess *session, args string) {
	label, season := splitSeason(args)
	if label == "" {
		b.reply(ctx, chatID, "Usage: /manual <title> [sN]")
		return
	}
	cls, err := b.resolver.Manual(label, "", season)
	if err != nil {
		b.reply(ctx, chatID, fmt.Sprintf("Could not set manual destination: %v", err))
		return
	}
	sess.clearCandidates()
	sess.active = cls
	b.reply(ctx, chatID, fmt.Sprintf("🎯 Manual destination: %s\n→ %s\nNow send the t.me message links.", cls.Label, cls.Destination))
}

func (b *Bot) handleLinks(ctx context.Context, chatID int64, sess *session, links []string) {
	if sess.active == nil {
		b.reply(ctx, chatID, "Select a title first with /search or /manual, then resend the links.")
		return
	}
	cls := sess.active
	for _, link := range links {
		sub := downloads.Submission{
			ChatID:      chatID,
			Source:      link,
			Group:       cls.Key,
			GroupLabel:  cls.Label,
			Destination: cls.Destination,
			Grouped:     cls.Grouped,
		}
		if _, _, err := b.queue.Enqueue(ctx, sub); err != nil {
			b.logger.Error("enqueue failed", logging.String("source", link), logging.Error(err))
			b.reply(ctx, chatID, fmt.Sprintf("Could not queue %s: %v", link, err))
		}
	}
}

func (b *Bot) cmdQueue(ctx context.Context, chatID int64) {
	views, err := b.queue.ListByChat(ctx, chatID)
	if err != nil {
		b.logger.Error("queue listing failed", logging.Error(err))
		b.reply(ctx, chatID, "Could not read the queue, try again.")
		return
	}
	if len(views) == 0 {
		b.reply(ctx, chatID, "Your queue is empty.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Active downloads:\n")
	for i, view := range views {
		fmt.Fprintf(&sb, "%d. %s - %d running, %d queued\n", i+1, view.Label, view.Running, view.Pending)
	}
	sb.WriteString("Cancel a group with /cancel <number>.")
	b.reply(ctx, chatID, sb.String())
}

func (b *Bot) cmdCancel(ctx context.Context, chatID int64, args string) {
	views, err := b.queue.ListByChat(ctx, chatID)
	if err != nil {
		b.logger.Error("queue listing failed", logging.Error(err))
		b.reply(ctx, chatID, "Could not read the queue, try again.")
		return
	}
	if len(views) == 0 {
		b.notifyCancelled(ctx, chatID, 0)
		return
	}

	index := 1
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 || n > len(views) {
			b.reply(ctx, chatID, fmt.Sprintf("Usage: /cancel <1-%d> (see /queue).", len(views)))
			return
		}
		index = n
	} else if len(views) > 1 {
		b.cmdQueue(ctx, chatID)
		return
	}

	cancelled, err := b.queue.CancelGroup(ctx, views[index-1].Key)
	if err != nil {
		b.logger.Error("cancel failed", logging.String("group", views[index-1].Key), logging.Error(err))
		b.reply(ctx, chatID, "Cancel failed, try again.")
		return
	}
	b.notifyCancelled(ctx, chatID, cancelled)
}

func (b *Bot) cmdCancelAll(ctx context.Context, chatID int64) {
	cancelled, err := b.queue.CancelAllForChat(ctx, chatID)
	if err != nil {
		b.logger.Error("cancel all failed", logging.Error(err))
		b.reply(ctx, chatID, "Cancel failed, try again.")
		return
	}
	b.notifyCancelled(ctx, chatID, cancelled)
}

// notifyCancelled sends the single acknowledgement a cancel request gets,
// regardless of how many tasks it touched.
func (b *Bot) notifyCancelled(ctx context.Context, chatID int64, cancelled int) {
	if err := b.notifier.CancelAcknowledged(ctx, chatID, cancelled); err != nil {
		b.logger.Warn("cancel acknowledgement failed", logging.Int64("chat_id", chatID), logging.Error(err))
	}
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64) {
	summary, err := b.stats.Stats(ctx)
	if err != nil {
		b.logger.Error("queue stats failed", logging.Error(err))
		b.reply(ctx, chatID, "Could not read stats, try again.")
		return
	}
	mediaStats, err := b.catalog.Stats(ctx)
	if err != nil {
		b.logger.Error("catalog stats failed", logging.Error(err))
		b.reply(ctx, chatID, "Could not read stats, try again.")
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf(
		"Queue: %d pending, %d running, %d succeeded, %d failed, %d cancelled\nCatalog: %d movies, %d shows, %d episodes",
		summary.Pending, summary.Running, summary.Succeeded, summary.Failed, summary.Cancelled,
		mediaStats.Movies, mediaStats.Shows, mediaStats.Episodes,
	))
}

func (b *Bot) cmdDBSearch(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(ctx, chatID, "Usage: /dbsearch <text>")
		return
	}
	entries, err := b.catalog.Search(ctx, args)
	if err != nil {
		b.logger.Error("catalog search failed", logging.Error(err))
		b.reply(ctx, chatID, "Catalog search failed, try again.")
		return
	}
	if len(entries) == 0 {
		b.reply(ctx, chatID, fmt.Sprintf("Nothing in the catalog matches %q.", args))
		return
	}
	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(formatEntry(entry))
		sb.WriteByte('\n')
	}
	b.reply(ctx, chatID, strings.TrimRight(sb.String(), "\n"))
}

func formatEntry(entry catalog.Entry) string {
	title := entry.Title
	if entry.Year > 0 {
		title = fmt.Sprintf("%s (%d)", entry.Title, entry.Year)
	}
	if entry.Kind == catalog.EntryShow {
		return fmt.Sprintf("📺 %s - %d episodes", title, entry.Episodes)
	}
	return fmt.Sprintf("🎬 %s", title)
}

func (b *Bot) cmdScan(ctx context.Context, chatID int64) {
	if admin := b.cfg.Telegram.AdminChatID; admin != 0 && chatID != admin {
		b.reply(ctx, chatID, "Only the admin chat can trigger a scan.")
		return
	}
	b.reply(ctx, chatID, "Scanning libraries...")
	result, err := b.catalog.Scan(ctx, b.cfg, b.logger)
	if err != nil {
		b.logger.Error("catalog scan failed", logging.Error(err))
		b.reply(ctx, chatID, fmt.Sprintf("Scan failed: %v", err))
		return
	}
	b.reply(ctx, chatID, fmt.Sprintf("Scan complete: %d movies, %d shows, %d episodes (%d libraries skipped).",
		result.Movies, result.Shows, result.Episodes, result.Skipped))
}
