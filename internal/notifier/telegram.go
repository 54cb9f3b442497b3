// Package notifier delivers emergency-unwind results to an operator over
// Telegram. It implements internal/emergency.Notifier; the router and risk
// layers never import this package directly.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender is the subset of *tgbotapi.BotAPI this package depends on, so
// tests can substitute a fake instead of hitting the live Telegram API.
type sender interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends emergency-unwind notifications to a single chat.
type Telegram struct {
	api    sender
	chatID int64
	log    *slog.Logger
}

// NewTelegram builds a Telegram notifier from a bot token and chat id;
// cmd/agent passes the config file's notifier bot_token/chat_id values.
func NewTelegram(botToken, chatID string, log *slog.Logger) (*Telegram, error) {
	if log == nil {
		log = slog.Default()
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat_id %q: %w", chatID, err)
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	return &Telegram{api: api, chatID: id, log: log}, nil
}

func newTelegramWithSender(chatID int64, s sender, log *slog.Logger) *Telegram {
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{api: s, chatID: chatID, log: log}
}

// Notify implements emergency.Notifier. It never returns an error that
// would be useful to a caller that can't itself recover from a dead
// Telegram API — emergency.Unwinder already treats any returned error as
// best-effort and only logs it, so this wraps send failures for that log
// line rather than retrying.
func (t *Telegram) Notify(ctx context.Context, results map[string]bool) error {
	msg := tgbotapi.NewMessage(t.chatID, formatUnwindResults(results))
	msg.ParseMode = "Markdown"

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func formatUnwindResults(results map[string]bool) string {
	venues := make([]string, 0, len(results))
	for v := range results {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var b strings.Builder
	b.WriteString("*Emergency unwind*\n")
	for _, v := range venues {
		status := "FAILED"
		if results[v] {
			status = "ok"
		}
		fmt.Fprintf(&b, "%s: %s\n", v, status)
	}
	return b.String()
}
