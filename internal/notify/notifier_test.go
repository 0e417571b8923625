package notify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-voice/internal/notify"
)

func TestMultiStampsAndFansOut(t *testing.T) {
	t.Parallel()

	a, b := &notify.Recorder{}, &notify.Recorder{}
	m := notify.Multi{a, nil, b}
	m.Notify(context.Background(), notify.Notice{Level: notify.LevelWarn, Title: "x"})

	require.Len(t, a.Notices(), 1)
	require.Len(t, b.Notices(), 1)
	assert.False(t, a.Notices()[0].At.IsZero())
}

func TestNoticeCodecRoundTrip(t *testing.T) {
	t.Parallel()

	buf, err := notify.EncodeNotice(notify.Notice{Level: notify.LevelError, Title: "quota", Link: "https://docs"})
	require.NoError(t, err)
	got, err := notify.DecodeNotice(buf)
	require.NoError(t, err)
	assert.Equal(t, "https://docs", got.Link)
	assert.Equal(t, notify.LevelError, got.Level)

	_, err = notify.DecodeNotice([]byte("{"))
	require.Error(t, err)
}

func TestChannel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "defi-voice:notices", notify.Channel("defi-voice", ""))
	assert.Equal(t, "defi-voice:notices:abc", notify.Channel("defi-voice", "abc"))
}
