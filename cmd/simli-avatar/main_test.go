package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/simli_live_avatar_go/pkg/config"
	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/metrics"
	"github.com/silviot/simli_live_avatar_go/pkg/session"
	"github.com/silviot/simli_live_avatar_go/pkg/simlitest"
	"github.com/silviot/simli_live_avatar_go/pkg/webrtc"
)

type harness struct {
	srv  *simlitest.Server
	sess *session.Session
	mux  http.Handler

	mu        sync.Mutex
	transport *simlitest.Transport
}

// startSession runs a session against the fake service with an in-memory transport
func startSession(t *testing.T) *harness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}

	h := &harness{srv: simlitest.NewServer(nil)}
	t.Cleanup(h.srv.Close)

	cfg := config.Default()
	cfg.APIKey = "key"
	cfg.FaceID = "face"
	cfg.APIURL = h.srv.URL()
	cfg.LatencyInterval = 0

	reg := metrics.NewRegistry()
	sess, err := session.New(session.Config{
		Config:  cfg,
		Logger:  slog.Default(),
		Metrics: metrics.New(reg),
		NewTransport: func(mode webrtc.Mode, _ webrtc.ConnectionConfig) (webrtc.Transport, error) {
			tr := simlitest.NewTransport(mode)
			h.mu.Lock()
			h.transport = tr
			h.mu.Unlock()
			return tr, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Stop(context.Background(), false) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Initialize(ctx))

	h.sess = sess
	h.mux = newMux(sess, reg)
	return h
}

func (h *harness) fakeTransport() *simlitest.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

func TestHealthz(t *testing.T) {
	h := startSession(t)

	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, true, body["ready"])

	h.sess.Stop(context.Background(), false)
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := startSession(t)

	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, "simli_sessions_active 1")
	assert.Contains(t, out, `simli_connect_attempts_total{status="success"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestSendAudioFromFile(t *testing.T) {
	h := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := h.srv.NextConn(ctx)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "speech.pcm")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{3, 0}, 4000), 0o644))
	require.NoError(t, sendAudio(ctx, h.sess, path, slog.Default()))

	var got int
	for got < 6000+8000 {
		m, err := conn.NextWhere(ctx, func(m simlitest.Message) bool { return m.Type == websocket.BinaryMessage })
		require.NoError(t, err)
		got += len(m.Data)
	}
	assert.Equal(t, 6000+8000, got)
}

func TestWriteSnapshot(t *testing.T) {
	h := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	track := h.fakeTransport().AddTrack(media.KindVideo)
	y := bytes.Repeat([]byte{180}, 8*6)
	c := bytes.Repeat([]byte{128}, 4*3)
	require.True(t, track.Push(ctx, &media.VideoFrame{
		Format:  media.PixelFormatYUV420P,
		Width:   8,
		Height:  6,
		Planes:  [][]byte{y, c, bytes.Clone(c)},
		Strides: []int{8, 4, 4},
	}))

	path := filepath.Join(t.TempDir(), "frame.png")
	done := make(chan error, 1)
	go func() { done <- writeSnapshot(ctx, h.sess, path, slog.Default()) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	h.sess.Stop(ctx, false)
	require.NoError(t, <-done)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestRecordAudio(t *testing.T) {
	h := startSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	track := h.fakeTransport().AddTrack(media.KindAudio)
	samples := make([]int16, 960*2)
	for i := range samples {
		samples[i] = 500
	}
	require.True(t, track.Push(ctx, &media.AudioFrame{Samples: samples, SampleRate: 48000, Channels: 2}))

	path := filepath.Join(t.TempDir(), "avatar.pcm")
	done := make(chan error, 1)
	go func() { done <- recordAudio(ctx, h.sess, path, 48000, slog.Default()) }()

	time.Sleep(200 * time.Millisecond)
	h.sess.Stop(ctx, false)
	require.NoError(t, <-done)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, data, 960*2*2)
}

func TestSetupLogger(t *testing.T) {
	assert.True(t, setupLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, setupLogger("warn").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, setupLogger("bogus").Enabled(context.Background(), slog.LevelInfo))
}
