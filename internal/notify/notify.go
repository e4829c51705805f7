// Package notify delivers short operator messages about failed sync passes.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// MessageSender is the slice of the Telegram API the notifier uses.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts messages to one chat.
type Telegram struct {
	api    MessageSender
	chatID int64
	log    *slog.Logger
}

// NewTelegram authorizes the bot token and returns a notifier for chatID.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("telegram notifier authorized", "bot", api.Self.UserName)
	return NewTelegramWithSender(api, chatID, log), nil
}

func NewTelegramWithSender(api MessageSender, chatID int64, log *slog.Logger) *Telegram {
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{api: api, chatID: chatID, log: log}
}

// Notify sends text as HTML; text is escaped.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, "<b>caldavsync</b>\n"+html.EscapeString(text))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
