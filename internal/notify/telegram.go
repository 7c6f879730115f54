package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier pushes events to a Telegram chat. Send failures are logged
// and dropped.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier authenticates the bot token.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("[TELEGRAM] Notifier ready", "bot", bot.Self.UserName, "chat_id", chatID)
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

// Notify implements Notifier.
func (n *TelegramNotifier) Notify(ctx context.Context, eventType string, payload map[string]any) {
	msg := tgbotapi.NewMessage(n.chatID, formatEvent(eventType, payload))
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("[TELEGRAM] Failed to send notification",
			"event_type", eventType,
			"error", err,
		)
	}
}

// formatEvent renders a flat key: value listing; keys sorted for stable
// output.
func formatEvent(eventType string, payload map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", strings.ToUpper(eventType))

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, payload[k])
	}
	return b.String()
}
