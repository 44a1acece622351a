// Package simlitest provides an in-process fake of the Simli service and a
// fake media transport for tests.
package simlitest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FakeAnswer is the session description the fake server answers offers with
const FakeAnswer = `{"type":"answer","sdp":"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}`

// Message is one message received from the client
type Message struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Text returns the payload as a string
func (m Message) Text() string { return string(m.Data) }

// Server fakes the HTTP bootstrap endpoints and the control websocket. Fields
// are read on every request; set them before the client connects.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu sync.Mutex
	// StartStatus, when non-zero and not 200, fails startAudioToVideoSession
	StartStatus int
	// FailStarts fails the first n session starts with 500
	FailStarts int
	// ICEServers is the getIceServers response
	ICEServers []map[string]any
	// RelayParams, when set, is sent as livekit_url/livekit_token before START
	RelayParams *[2]string
	// VideoMetadata, when set, is sent before START as {"video_metadata": ...}
	VideoMetadata map[string]any
	// TokenReply replaces the ACK to the session token, e.g. "error: invalid token"
	TokenReply string
	// WithholdStart leaves the client waiting after the token ACK
	WithholdStart bool
	// AfterStart runs on the connection once START was sent
	AfterStart func(c *Conn)

	startCalls atomic.Int32
	iceCalls   atomic.Int32
	lastConfig atomic.Pointer[map[string]any]

	conns chan *Conn
}

// NewServer starts a fake service
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		ICEServers: []map[string]any{
			{"urls": []string{"turn:127.0.0.1:3478"}, "username": "user", "credential": "pass"},
		},
		conns: make(chan *Conn, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/startAudioToVideoSession", s.handleStart)
	mux.HandleFunc("/getIceServers", s.handleICE)
	mux.HandleFunc("/StartWebRTCSession", s.handleSocket)
	mux.HandleFunc("/StartWebRTCSessionLivekit", s.handleSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the HTTP base URL
func (s *Server) URL() string { return s.srv.URL }

// SetStartStatus changes StartStatus while clients are connected
func (s *Server) SetStartStatus(code int) {
	s.mu.Lock()
	s.StartStatus = code
	s.mu.Unlock()
}

// WSURL returns the websocket base URL
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

// StartCalls counts startAudioToVideoSession requests
func (s *Server) StartCalls() int { return int(s.startCalls.Load()) }

// ICECalls counts getIceServers requests
func (s *Server) ICECalls() int { return int(s.iceCalls.Load()) }

// LastSessionConfig returns the JSON body of the last session start
func (s *Server) LastSessionConfig() map[string]any {
	if p := s.lastConfig.Load(); p != nil {
		return *p
	}
	return nil
}

// Close shuts the server down
func (s *Server) Close() {
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// NextConn waits for the next control connection to finish its handshake
// script up to START (or up to where the script stops)
func (s *Server) NextConn(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	n := s.startCalls.Add(1)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.lastConfig.Store(&body)

	s.mu.Lock()
	status, failFirst := s.StartStatus, s.FailStarts
	s.mu.Unlock()

	if int(n) <= failFirst {
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	if status != 0 && status != http.StatusOK {
		http.Error(w, "rejected", status)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"session_token": fmt.Sprintf("token-%d", n)})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	s.iceCalls.Add(1)
	s.mu.Lock()
	servers := s.ICEServers
	s.mu.Unlock()
	json.NewEncoder(w).Encode(servers)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}
	c := newConn(ws, r.URL.Path)
	defer c.close()

	relay := r.URL.Path == "/StartWebRTCSessionLivekit"
	if err := s.script(c, relay); err != nil {
		s.logger.Debug("fake server script ended", "error", err)
		return
	}
	c.readLoop()
}

// script plays the service side of the handshake, then hands the connection over
func (s *Server) script(c *Conn, relay bool) error {
	s.mu.Lock()
	relayParams, video := s.RelayParams, s.VideoMetadata
	tokenReply, withhold, after := s.TokenReply, s.WithholdStart, s.AfterStart
	s.mu.Unlock()

	if !relay {
		offer, err := c.readRaw()
		if err != nil {
			return err
		}
		c.Offer = offer.Text()
		if err := c.Send("ACK"); err != nil {
			return err
		}
		if err := c.Send(FakeAnswer); err != nil {
			return err
		}
	}

	token, err := c.readRaw()
	if err != nil {
		return err
	}
	c.Token = token.Text()

	if tokenReply != "" {
		s.conns <- c
		return c.Send(tokenReply)
	}
	if err := c.Send("ACK"); err != nil {
		return err
	}
	if relayParams != nil {
		if err := c.SendJSON(map[string]string{"livekit_url": relayParams[0], "livekit_token": relayParams[1]}); err != nil {
			return err
		}
	}
	if video != nil {
		if err := c.SendJSON(map[string]any{"video_metadata": video}); err != nil {
			return err
		}
	}
	if withhold {
		s.conns <- c
		c.readLoop()
		return errors.New("start withheld")
	}
	if err := c.Send("START"); err != nil {
		return err
	}
	s.conns <- c
	if after != nil {
		go after(c)
	}
	return nil
}

// Conn is the server side of one control connection
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	Path    string
	Offer   string
	Token   string

	received chan Message
	closed   chan struct{}
	once     sync.Once
}

func newConn(ws *websocket.Conn, path string) *Conn {
	return &Conn{
		ws:       ws,
		Path:     path,
		received: make(chan Message, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) readRaw() (Message, error) {
	c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.ws.SetReadDeadline(time.Time{})
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return Message{Type: mt, Data: data}, nil
}

// readLoop records client messages and answers pings
func (c *Conn) readLoop() {
	defer c.once.Do(func() { close(c.closed) })
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg := Message{Type: mt, Data: data}
		if mt == websocket.TextMessage && strings.HasPrefix(msg.Text(), "ping ") {
			c.Send("pong " + strings.TrimPrefix(msg.Text(), "ping "))
		}
		select {
		case c.received <- msg:
		default:
		}
	}
}

// Send writes a text message to the client
func (c *Conn) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// SendJSON writes v as a JSON text message
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(string(data))
}

// Next returns the next message received after the handshake
func (c *Conn) Next(ctx context.Context) (Message, error) {
	select {
	case m := <-c.received:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// NextWhere skips messages until match returns true
func (c *Conn) NextWhere(ctx context.Context, match func(Message) bool) (Message, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return m, err
		}
		if match(m) {
			return m, nil
		}
	}
}

// Closed is closed once the client disconnects
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Drop closes the connection without a close handshake
func (c *Conn) Drop() { c.ws.Close() }

func (c *Conn) close() {
	c.ws.Close()
	c.once.Do(func() { close(c.closed) })
}
