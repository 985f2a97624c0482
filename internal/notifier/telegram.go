package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

const telegramTextLimit = 4000

// TelegramSender sends HTML-formatted messages to one chat. The bot runs
// offline: it never polls for updates.
type TelegramSender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSender(cfg TelegramConfig, client *http.Client) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, formatTelegram(m), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		DisableNotification:   m.Priority > 0 && m.Priority <= PriorityLow,
		ThreadID:              t.thread,
	})
	return err
}

func formatTelegram(m Message) string {
	var b strings.Builder
	if m.Priority >= PriorityUrgent {
		b.WriteString("🚨 ")
	} else if m.Priority >= PriorityHigh {
		b.WriteString("⚠️ ")
	}
	if m.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(m.Title))
		b.WriteString("</b>\n")
	}
	b.WriteString(html.EscapeString(m.Body))
	out := b.String()
	if r := []rune(out); len(r) > telegramTextLimit {
		out = string(r[:telegramTextLimit-1]) + "…"
	}
	return out
}
