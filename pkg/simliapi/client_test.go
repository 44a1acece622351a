package simliapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSessionConfig = SessionConfig{
	APIKey:           "key",
	FaceID:           "face",
	SyncAudio:        true,
	HandleSilence:    true,
	MaxSessionLength: 600,
	MaxIdleTime:      30,
}

func newTestClient(t *testing.T, handler http.Handler, turn bool) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", UseTURNServer: turn, Logger: slog.Default()})
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: ""})
	assert.Error(t, err)
}

func TestBootstrapPostsSessionConfig(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/startAudioToVideoSession", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"session_token":"tok-1"}`))
	})
	mux.HandleFunc("/getIceServers", func(w http.ResponseWriter, r *http.Request) {
		t.Error("ICE servers must not be requested without TURN discovery")
	})

	c := newTestClient(t, mux, false)
	cred, err := c.Bootstrap(context.Background(), testSessionConfig)
	require.NoError(t, err)

	assert.Equal(t, "tok-1", cred.SessionToken)
	require.Len(t, cred.ICEServers, 1)
	assert.Equal(t, []string{DefaultSTUNServer}, cred.ICEServers[0].URLs)

	assert.Equal(t, "key", got["apiKey"])
	assert.Equal(t, "face", got["faceId"])
	assert.Equal(t, true, got["syncAudio"])
	assert.Equal(t, true, got["handleSilence"])
	assert.Equal(t, float64(600), got["maxSessionLength"])
	assert.Equal(t, float64(30), got["maxIdleTime"])
}

func TestBootstrapWithTURNDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/startAudioToVideoSession", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session_token":"tok-2"}`))
	})
	mux.HandleFunc("/getIceServers", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key", body["apiKey"])
		w.Write([]byte(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`))
	})

	c := newTestClient(t, mux, true)
	cred, err := c.Bootstrap(context.Background(), testSessionConfig)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.SessionToken)
	assert.Equal(t, []ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}, cred.ICEServers)
}

func TestBootstrapErrors(t *testing.T) {
	tests := []struct {
		name       string
		turn       bool
		start      http.HandlerFunc
		ice        http.HandlerFunc
		wantOp     string
		wantStatus int
	}{
		{
			name: "start session rejected",
			start: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad api key", http.StatusUnauthorized)
			},
			wantOp:     opStartSession,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing session token",
			start: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"detail":"ok"}`))
			},
			wantOp:     opStartSession,
			wantStatus: http.StatusOK,
		},
		{
			name: "malformed body",
			start: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
			wantOp:     opStartSession,
			wantStatus: http.StatusOK,
		},
		{
			name: "ICE servers rejected",
			turn: true,
			start: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"session_token":"tok"}`))
			},
			ice: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantOp:     opGetICEServers,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/startAudioToVideoSession", tt.start)
			if tt.ice != nil {
				mux.HandleFunc("/getIceServers", tt.ice)
			}

			c := newTestClient(t, mux, tt.turn)
			cred, err := c.Bootstrap(context.Background(), testSessionConfig)
			require.Error(t, err)
			assert.Equal(t, SessionCredential{}, cred, "no partial credential on failure")

			var be *BootstrapError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.wantOp, be.Op)
			assert.Equal(t, tt.wantStatus, be.StatusCode)
		})
	}
}

func TestBootstrapHonoursContext(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/startAudioToVideoSession", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"session_token":"tok"}`))
	})

	c := newTestClient(t, mux, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Bootstrap(ctx, testSessionConfig)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestBootstrapErrorMessage(t *testing.T) {
	err := &BootstrapError{Op: opStartSession, StatusCode: 401, Body: "denied"}
	assert.Equal(t, "simli startAudioToVideoSession: status 401: denied", err.Error())

	long := make([]byte, maxErrorBody+10)
	assert.Len(t, truncate(long), maxErrorBody+3)
	assert.Equal(t, "short", truncate([]byte("short")))
}
