package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"
)

func TestBotSettingsBoundsHTTPClient(t *testing.T) {
	poller := &tele.LongPoller{Timeout: 10 * time.Second}
	settings := BotSettings("token", poller)

	assert.Equal(t, "token", settings.Token)
	assert.Equal(t, poller, settings.Poller)
	require.NotNil(t, settings.Client)
	assert.Equal(t, sendTimeout, settings.Client.Timeout)
}
