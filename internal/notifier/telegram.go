package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points the chat subscriber at one chat (optionally a forum topic).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
	// Kinds limits delivery to these event kinds; empty means all.
	Kinds []Kind
}

// Telegram sends event summaries to a chat through the Bot API.
type Telegram struct {
	bot   *tele.Bot
	chat  *tele.Chat
	opt   *tele.SendOptions
	kinds map[Kind]bool
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true, // send-only: no getMe round trip, no poller
	})
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt:  &tele.SendOptions{DisableWebPagePreview: true, ThreadID: cfg.ThreadID},
	}
	if len(cfg.Kinds) > 0 {
		t.kinds = map[Kind]bool{}
		for _, k := range cfg.Kinds {
			t.kinds[k] = true
		}
	}
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Deliver(ctx context.Context, e Event) error {
	if t.kinds != nil && !t.kinds[e.Kind] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, prefixForKind(e.Kind)+e.Summary(), t.opt)
	return err
}

func prefixForKind(k Kind) string {
	switch k {
	case KindFailed:
		return "🚨 "
	case KindPaused, KindRetrying:
		return "⚠️ "
	case KindPosted:
		return "✅ "
	default:
		return ""
	}
}
