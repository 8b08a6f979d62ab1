package guard

import (
	"context"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"subgate/internal/cache"
	"subgate/internal/metrics"
	"subgate/internal/models"
)

// Trigger is the failsafe revocation middleware. It must be installed first:
// when the exact trigger text arrives as an inbound message the sender is
// blocked immediately and the update goes no further, even if the pub/sub
// event never reached this process.
func Trigger(c *cache.AccessCache) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(tc tele.Context) error {
			if tc.Message() != nil && tc.Sender() != nil && tc.Text() == models.RevokeTriggerText {
				id := tc.Sender().ID
				c.Block(id)
				logrus.Warnf("trigger text received from %d, blocked", id)
				return nil
			}
			return next(tc)
		}
	}
}

// Access is the per-message gate. Denied users get a short notice and their
// update is dropped.
func Access(c *cache.AccessCache) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(tc tele.Context) error {
			if tc.Sender() == nil {
				return next(tc)
			}
			id := tc.Sender().ID
			if !c.CheckAccess(context.Background(), id) {
				metrics.AccessChecks.WithLabelValues("denied").Inc()
				return tc.Send("Доступ закрыт. Обратитесь к администратору для оформления подписки.")
			}
			metrics.AccessChecks.WithLabelValues("allowed").Inc()
			return next(tc)
		}
	}
}
