package notifier

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent    []tgbotapi.Chattable
	failErr error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failErr != nil {
		return tgbotapi.Message{}, f.failErr
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestNotifySendsFormattedMessage(t *testing.T) {
	fake := &fakeSender{}
	tg := newTelegramWithSender(42, fake, nil)

	err := tg.Notify(context.Background(), map[string]bool{"vertex": true, "helix": false})
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)

	msg, ok := fake.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	require.Contains(t, msg.Text, "helix: FAILED")
	require.Contains(t, msg.Text, "vertex: ok")
	require.Equal(t, int64(42), msg.ChatID)
}

func TestNotifyWrapsSendError(t *testing.T) {
	fake := &fakeSender{failErr: errors.New("network")}
	tg := newTelegramWithSender(42, fake, nil)

	err := tg.Notify(context.Background(), map[string]bool{"vertex": true})
	require.Error(t, err)
}

func TestFormatUnwindResultsIsSortedAndDeterministic(t *testing.T) {
	text := formatUnwindResults(map[string]bool{"b": true, "a": false})
	require.Equal(t, "*Emergency unwind*\na: FAILED\nb: ok\n", text)
}
