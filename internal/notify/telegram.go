package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"escalation/internal/config"
	"escalation/internal/domain"

	tgbot "github.com/go-telegram/bot"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot client; chat IDs come from target recipients.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client *tgbot.Bot
}

// NewTelegramSender creates Telegram sender without calling getMe.
// Params: Telegram notifier config.
// Returns: initialized sender or bot setup error.
func NewTelegramSender(cfg config.TelegramNotifier) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{client: botClient}, nil
}

// Channel returns sender channel tag.
func (s *TelegramSender) Channel() domain.Channel {
	return domain.ChannelTelegram
}

// Send posts message to every chat of the target.
// Params: context and notification with chat IDs as recipients.
// Returns: joined errors of failed chats.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) error {
	if len(notification.Recipients) == 0 {
		return errors.New("telegram send: no chat ids")
	}
	var errs []error
	for _, chatID := range notification.Recipients {
		sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: normalizeChatID(chatID),
			Text:   notification.Message,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram send to %s: %w", chatID, err))
			continue
		}
		if sent == nil || sent.ID <= 0 {
			errs = append(errs, fmt.Errorf("telegram send to %s returned empty message id", chatID))
		}
	}
	return errors.Join(errs...)
}

// normalizeChatID converts numeric chat IDs to int64 and keeps @channel names as string.
// Params: chat ID from policy target.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
