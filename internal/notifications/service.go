package notifications

import (
	"context"
	"fmt"
	"strings"
)

// Sender delivers a rendered message to a chat. The Telegram transport
// implements it; tests use fakes.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Service defines the notification surface exposed to the scheduler and the
// post-processing pipeline. Implementations must be safe for concurrent use.
type Service interface {
	TaskQueued(ctx context.Context, chatID int64, label string, position int) error
	TaskStarted(ctx context.Context, chatID int64, label string) error
	TaskProgress(ctx context.Context, chatID int64, label string, percent int, detail string) error
	TaskCompleted(ctx context.Context, chatID int64, label, finalPath string) error
	TaskFailed(ctx context.Context, chatID int64, label, reason string) error
	TaskUnresolved(ctx context.Context, chatID int64, label, reason string) error
	CancelAcknowledged(ctx context.Context, chatID int64, cancelled int) error
	PostProcessFailed(ctx context.Context, chatID int64, label string, err error) error
}

// NewService builds a chat notification service. When no sender is available
// a noop implementation is returned.
func NewService(sender Sender) Service {
	if sender == nil {
		return noopService{}
	}
	return &chatService{sender: sender}
}

type chatService struct {
	sender Sender
}

func (c *chatService) TaskQueued(ctx context.Context, chatID int64, label string, position int) error {
	if position <= 1 {
		return c.send(ctx, chatID, fmt.Sprintf("⏳ Queued and starting: %s", label))
	}
	return c.send(ctx, chatID, fmt.Sprintf("⏳ Queued at position #%d: %s", position, label))
}

func (c *chatService) TaskStarted(ctx context.Context, chatID int64, label string) error {
	return c.send(ctx, chatID, fmt.Sprintf("▶️ Starting download: %s", label))
}

func (c *chatService) TaskProgress(ctx context.Context, chatID int64, label string, percent int, detail string) error {
	text := fmt.Sprintf("⬇️ %s: %d%%", label, percent)
	if detail != "" {
		text = fmt.Sprintf("%s (%s)", text, detail)
	}
	return c.send(ctx, chatID, text)
}

func (c *chatService) TaskCompleted(ctx context.Context, chatID int64, label, finalPath string) error {
	text := fmt.Sprintf("✅ Done: %s", label)
	if finalPath != "" {
		text = fmt.Sprintf("%s\n%s", text, finalPath)
	}
	return c.send(ctx, chatID, text)
}

func (c *chatService) TaskFailed(ctx context.Context, chatID int64, label, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return c.send(ctx, chatID, fmt.Sprintf("❌ Download failed: %s\n%s", label, reason))
}

func (c *chatService) TaskUnresolved(ctx context.Context, chatID int64, label, reason string) error {
	text := fmt.Sprintf("⚠️ Could not resolve source for %s.\nUse /manual <title> [season] to set a destination and resend the link.", label)
	if reason = strings.TrimSpace(reason); reason != "" {
		text = fmt.Sprintf("%s\n(%s)", text, reason)
	}
	return c.send(ctx, chatID, text)
}

func (c *chatService) CancelAcknowledged(ctx context.Context, chatID int64, cancelled int) error {
	if cancelled == 0 {
		return c.send(ctx, chatID, "🚫 Nothing to cancel.")
	}
	if cancelled == 1 {
		return c.send(ctx, chatID, "🚫 Cancelled 1 download.")
	}
	return c.send(ctx, chatID, fmt.Sprintf("🚫 Cancelled %d downloads.", cancelled))
}

func (c *chatService) PostProcessFailed(ctx context.Context, chatID int64, label string, err error) error {
	return c.send(ctx, chatID, fmt.Sprintf("⚠️ Downloaded but post-processing failed for %s: %v", label, err))
}

func (c *chatService) send(ctx context.Context, chatID int64, text string) error {
	if c == nil || c.sender == nil || chatID == 0 {
		return nil
	}
	return c.sender.SendMessage(ctx, chatID, text)
}

type noopService struct{}

func (noopService) TaskQueued(context.Context, int64, string, int) error             { return nil }
func (noopService) TaskStarted(context.Context, int64, string) error                 { return nil }
func (noopService) TaskProgress(context.Context, int64, string, int, string) error   { return nil }
func (noopService) TaskCompleted(context.Context, int64, string, string) error       { return nil }
func (noopService) TaskFailed(context.Context, int64, string, string) error          { return nil }
func (noopService) TaskUnresolved(context.Context, int64, string, string) error      { return nil }
func (noopService) CancelAcknowledged(context.Context, int64, int) error             { return nil }
func (noopService) PostProcessFailed(context.Context, int64, string, error) error    { return nil }
