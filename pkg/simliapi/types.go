package simliapi

import "fmt"

// DefaultSTUNServer is used when relay discovery is disabled
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// SessionConfig is posted verbatim to start a session
type SessionConfig struct {
	APIKey           string `json:"apiKey"`
	FaceID           string `json:"faceId"`
	SyncAudio        bool   `json:"syncAudio"`
	HandleSilence    bool   `json:"handleSilence"`
	MaxSessionLength int    `json:"maxSessionLength"` // seconds
	MaxIdleTime      int    `json:"maxIdleTime"`      // seconds
	Model            string `json:"model,omitempty"`
}

// ICEServer is one entry of the getIceServers response
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SessionCredential is produced once per connection attempt
type SessionCredential struct {
	SessionToken string
	ICEServers   []ICEServer
}

// startResponse is the startAudioToVideoSession body
type startResponse struct {
	SessionToken string `json:"session_token"`
}

// BootstrapError reports a failed or malformed bootstrap request
type BootstrapError struct {
	Op         string // startAudioToVideoSession or getIceServers
	StatusCode int    // 0 when no response was received
	Body       string
	Err        error
}

func (e *BootstrapError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("simli %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("simli %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("simli %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}
