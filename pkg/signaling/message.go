package signaling

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Control words exchanged with the service
const (
	msgAck           = "ACK"
	msgStart         = "START"
	msgStop          = "STOP"
	msgSilent        = "SILENT"
	msgSpeak         = "SPEAK"
	msgMissingToken  = "MISSING_SESSION_TOKEN"
	msgDone          = "DONE"
	msgSkip          = "SKIP"
	msgPlayImmediate = "PLAY_IMMEDIATE"
)

// MessageType classifies an inbound control message
type MessageType int

const (
	MsgUnknown MessageType = iota
	MsgAck
	MsgStart
	MsgStop
	MsgError
	MsgPong
	MsgSilent
	MsgSpeak
	MsgMissingToken
	MsgRelayParams
	MsgVideoMetadata
)

func (t MessageType) String() string {
	switch t {
	case MsgAck:
		return "ack"
	case MsgStart:
		return "start"
	case MsgStop:
		return "stop"
	case MsgError:
		return "error"
	case MsgPong:
		return "pong"
	case MsgSilent:
		return "silent"
	case MsgSpeak:
		return "speak"
	case MsgMissingToken:
		return "missing_session_token"
	case MsgRelayParams:
		return "relay_params"
	case MsgVideoMetadata:
		return "video_metadata"
	default:
		return "unknown"
	}
}

// RelayParams are the LiveKit room join parameters
type RelayParams struct {
	URL   string `json:"livekit_url"`
	Token string `json:"livekit_token"`
}

// VideoMetadata describes the video the service will render
type VideoMetadata struct {
	FPS    float64 `json:"fps"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Message is a classified control message
type Message struct {
	Type   MessageType
	Text   string
	Relay  *RelayParams
	Video  *VideoMetadata
	SentAt time.Time // pong only, zero when the timestamp did not parse
}

// jsonPayload covers every JSON shape the service sends
type jsonPayload struct {
	LiveKitURL    *string         `json:"livekit_url"`
	LiveKitToken  *string         `json:"livekit_token"`
	VideoMetadata json.RawMessage `json:"video_metadata"`
}

// Classify maps a raw message onto its type. Exact control words win, then
// recognised JSON payloads, then the substring rules for errors and pongs.
func Classify(data []byte) Message {
	text := strings.TrimSpace(string(data))
	msg := Message{Text: text}

	switch text {
	case msgAck:
		msg.Type = MsgAck
		return msg
	case msgStart:
		msg.Type = MsgStart
		return msg
	case msgStop:
		msg.Type = MsgStop
		return msg
	case msgSilent:
		msg.Type = MsgSilent
		return msg
	case msgSpeak:
		msg.Type = MsgSpeak
		return msg
	case msgMissingToken:
		msg.Type = MsgMissingToken
		return msg
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var p jsonPayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			if p.LiveKitURL != nil || p.LiveKitToken != nil {
				msg.Type = MsgRelayParams
				msg.Relay = &RelayParams{}
				if p.LiveKitURL != nil {
					msg.Relay.URL = *p.LiveKitURL
				}
				if p.LiveKitToken != nil {
					msg.Relay.Token = *p.LiveKitToken
				}
				return msg
			}
			if len(p.VideoMetadata) > 0 {
				var vm VideoMetadata
				if err := json.Unmarshal(p.VideoMetadata, &vm); err == nil {
					msg.Type = MsgVideoMetadata
					msg.Video = &vm
					return msg
				}
			}
		}
	}

	switch {
	case strings.Contains(text, "error"):
		msg.Type = MsgError
	case strings.Contains(text, "pong"):
		msg.Type = MsgPong
		msg.SentAt = pongTime(text)
	default:
		msg.Type = MsgUnknown
	}
	return msg
}

// pongTime extracts the unix timestamp echoed after "pong"
func pongTime(text string) time.Time {
	fields := strings.Fields(text)
	for i, f := range fields {
		if f != "pong" || i+1 >= len(fields) {
			continue
		}
		secs, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil || secs <= 0 {
			return time.Time{}
		}
		return time.Unix(0, int64(secs*float64(time.Second)))
	}
	return time.Time{}
}

// pingText formats a ping carrying the current unix time
func pingText(now time.Time) string {
	return "ping " + strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', 6, 64)
}
