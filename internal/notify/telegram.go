package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var ErrNoChats = errors.New("telegram notifier needs at least one chat id")

// sender is the part of tgbotapi.BotAPI used here
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards notices to chats. Telegram has no notion of withdrawing
// a notice, so Clear does nothing.
type Telegram struct {
	api     sender
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegram connects to the bot API with token
func NewTelegram(token string, chatIDs []int64, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	logger.Info("Telegram notifier authorized", "account", api.Self.UserName)
	return newTelegram(api, chatIDs, logger)
}

func newTelegram(api sender, chatIDs []int64, logger *slog.Logger) (*Telegram, error) {
	if len(chatIDs) == 0 {
		return nil, ErrNoChats
	}
	return &Telegram{
		api:     api,
		chatIDs: chatIDs,
		logger:  logger.With("component", "telegram"),
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, key, message string) error {
	text := fmt.Sprintf("[%s] %s", key, message)

	var errs []error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.api.Send(msg); err != nil {
			t.logger.Error("Failed to send notice", "chat_id", chatID, "key", key, "error", err)
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) Clear(context.Context) error {
	return nil
}
