package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want MessageType
	}{
		{"ack", "ACK", MsgAck},
		{"start", "START", MsgStart},
		{"start with newline", "START\n", MsgStart},
		{"stop", "STOP", MsgStop},
		{"silent", "SILENT", MsgSilent},
		{"speak", "SPEAK", MsgSpeak},
		{"missing token", "MISSING_SESSION_TOKEN", MsgMissingToken},
		{"error substring", "Session error: face not found", MsgError},
		{"json error", `{"error":"bad"}`, MsgError},
		{"pong", "pong 1700000000.5", MsgPong},
		{"relay params", `{"livekit_url":"wss://x","livekit_token":"t"}`, MsgRelayParams},
		{"video metadata", `{"video_metadata":{"fps":25,"width":512,"height":512}}`, MsgVideoMetadata},
		{"start is exact", "STARTED", MsgUnknown},
		{"unknown", "hello", MsgUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify([]byte(tt.in))
			assert.Equal(t, tt.want, got.Type, "type %s", got.Type)
		})
	}
}

func TestClassifyPayloads(t *testing.T) {
	relay := Classify([]byte(`{"livekit_url":"wss://lk","livekit_token":"tok"}`))
	require.NotNil(t, relay.Relay)
	assert.Equal(t, "wss://lk", relay.Relay.URL)
	assert.Equal(t, "tok", relay.Relay.Token)

	video := Classify([]byte(`{"video_metadata":{"fps":29.97,"width":640,"height":480}}`))
	require.NotNil(t, video.Video)
	assert.Equal(t, VideoMetadata{FPS: 29.97, Width: 640, Height: 480}, *video.Video)
}

func TestPongTimestamp(t *testing.T) {
	sent := time.Unix(1700000000, 250_000_000)
	msg := Classify([]byte("pong " + pingText(sent)[len("ping "):]))
	require.Equal(t, MsgPong, msg.Type)
	assert.WithinDuration(t, sent, msg.SentAt, time.Millisecond)

	msg = Classify([]byte("pong garbage"))
	assert.Equal(t, MsgPong, msg.Type)
	assert.True(t, msg.SentAt.IsZero())
}

func TestPingText(t *testing.T) {
	assert.Equal(t, "ping 1700000000.250000", pingText(time.Unix(1700000000, 250_000_000)))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "missing_session_token", MsgMissingToken.String())
	assert.Equal(t, "unknown", MessageType(99).String())
}
