package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/simliapi"
	"github.com/silviot/simli_live_avatar_go/pkg/simlitest"
)

func TestReceiverEndsOnce(t *testing.T) {
	track := simlitest.NewTrack(media.KindAudio, "a1")
	r := newReceiver(track, "attempt", 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := speechFrame(0)
	require.True(t, track.Push(ctx, want))
	got, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, want, got)

	track.End(errors.New("ice failed"))
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, r.Ended())

	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF, "ended stays ended")
}

func TestReceiverPollsThroughSilence(t *testing.T) {
	track := simlitest.NewTrack(media.KindVideo, "v1")
	r := newReceiver(track, "attempt", 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		track.Push(ctx, testVideoFrame(4, 4, 0))
	}()
	f, err := r.Next(ctx)
	require.NoError(t, err, "poll expiry is retried, not returned")
	assert.Equal(t, media.KindVideo, f.Kind())
}

func TestReceiverNextWithinTimesOut(t *testing.T) {
	track := simlitest.NewTrack(media.KindVideo, "v1")
	r := newReceiver(track, "attempt", 5*time.Millisecond, slog.Default())

	_, err := r.NextWithin(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.False(t, r.Ended())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.NextWithin(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled, "caller cancellation is not a timeout")
}

func TestReceiverSetReplacement(t *testing.T) {
	rs := newReceiverSet()
	first := newReceiver(simlitest.NewTrack(media.KindAudio, "a1"), "x", 0, slog.Default())
	second := newReceiver(simlitest.NewTrack(media.KindAudio, "a2"), "x", 0, slog.Default())

	require.True(t, rs.add(first))
	assert.Same(t, first, rs.current(media.KindAudio))
	assert.Nil(t, rs.current(media.KindVideo))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *Receiver, 1)
	go func() {
		r, _ := rs.await(ctx, media.KindAudio, first, time.Second)
		done <- r
	}()
	time.Sleep(20 * time.Millisecond)
	require.True(t, rs.add(second))
	assert.Same(t, second, <-done)

	_, err := rs.await(ctx, media.KindVideo, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrStreamTimeout)

	rs.closeAll()
	assert.True(t, first.Ended())
	assert.True(t, second.Ended())
	assert.False(t, rs.add(newReceiver(simlitest.NewTrack(media.KindAudio, "a3"), "x", 0, slog.Default())))
	_, err = rs.await(ctx, media.KindAudio, nil, time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionConfigSplitsICEServers(t *testing.T) {
	cc := connectionConfig([]simliapi.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"}, Username: "u", Credential: "p"},
	})
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cc.STUN)
	require.Len(t, cc.TURN, 1)
	assert.Equal(t, "u", cc.TURN[0].Username)
	assert.Len(t, cc.TURN[0].URLs, 2)
}

func TestBlank(t *testing.T) {
	assert.True(t, blank(nil))
	assert.True(t, blank(&media.AudioFrame{}))
	assert.True(t, blank(silentFrame(0)))
	assert.False(t, blank(speechFrame(0)))
	assert.True(t, blank(&media.VideoFrame{Format: media.PixelFormatYUV420P}))
	assert.False(t, blank(testVideoFrame(2, 2, 0)))
}
