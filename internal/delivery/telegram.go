package delivery

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"
)

// BotSettings builds telebot settings with the send timeout enforced at the
// HTTP layer; telebot's default client has none, so a stalled API call would
// otherwise block past the worker's per-send budget.
func BotSettings(token string, poller tele.Poller) tele.Settings {
	return tele.Settings{
		Token:  token,
		Poller: poller,
		Client: &http.Client{Timeout: sendTimeout},
	}
}

// TelegramSender adapts a telebot bot to the Sender contract and classifies
// the API errors the worker cares about.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(bot *tele.Bot) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (s *TelegramSender) Send(ctx context.Context, chatID int64, text string) SendResult {
	if err := ctx.Err(); err != nil {
		return SendTransientError
	}

	_, err := s.bot.Send(tele.ChatID(chatID), text)
	if err == nil {
		return SendOK
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrUserIsDeactivated):
		return SendBlocked
	case errors.Is(err, tele.ErrChatNotFound):
		return SendNotFound
	default:
		logrus.Warnf("telegram send to %d failed: %v", chatID, err)
		return SendTransientError
	}
}
