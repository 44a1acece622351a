package signaling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by sends before START or after draining began
	ErrNotReady = errors.New("control channel not ready")
	// ErrRemoteStop reports that the service ended the session with STOP
	ErrRemoteStop = errors.New("session stopped by server")
	// ErrClosed is returned once the channel has been closed locally
	ErrClosed = errors.New("control channel closed")
)

// Handshake stages
const (
	StageDial   = "dial"
	StageOffer  = "offer"
	StageAnswer = "answer"
	StageToken  = "token"
	StageStart  = "start"
	StageApply  = "apply"
)

// HandshakeError reports a failure while establishing the control channel
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ServerError is an error message sent by the service
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
