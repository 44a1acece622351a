// Package simliapi performs the HTTP bootstrap of an avatar session.
package simliapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	opStartSession  = "startAudioToVideoSession"
	opGetICEServers = "getIceServers"

	maxErrorBody = 512
)

// Client talks to the Simli HTTP API
type Client struct {
	baseURL       string
	useTURNServer bool
	httpClient    *http.Client
	logger        *slog.Logger
}

// Config holds HTTP client configuration
type Config struct {
	BaseURL       string // e.g. https://api.simli.ai
	UseTURNServer bool   // fetch relay servers alongside the session token
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// NewClient creates a new API client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("invalid API URL %q: must be http or https", cfg.BaseURL)
	}

	return &Client{
		baseURL:       base,
		useTURNServer: cfg.UseTURNServer,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
	}, nil
}

// Bootstrap obtains a session token and the ICE servers for one attempt.
// It returns either a complete credential or an error, never both.
func (c *Client) Bootstrap(ctx context.Context, sc SessionConfig) (SessionCredential, error) {
	var (
		token   string
		servers []ICEServer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		token, err = c.StartSession(gctx, sc)
		return err
	})
	if c.useTURNServer {
		g.Go(func() error {
			var err error
			servers, err = c.GetICEServers(gctx, sc.APIKey)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return SessionCredential{}, err
	}

	if !c.useTURNServer {
		servers = []ICEServer{{URLs: []string{DefaultSTUNServer}}}
	}

	c.logger.Debug("session bootstrapped", "ice_servers", len(servers), "turn", c.useTURNServer)
	return SessionCredential{SessionToken: token, ICEServers: servers}, nil
}

// StartSession posts the session configuration and returns the session token
func (c *Client) StartSession(ctx context.Context, sc SessionConfig) (string, error) {
	body, err := c.post(ctx, opStartSession, sc)
	if err != nil {
		return "", err
	}

	var resp startResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &BootstrapError{Op: opStartSession, StatusCode: http.StatusOK, Body: truncate(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if resp.SessionToken == "" {
		return "", &BootstrapError{Op: opStartSession, StatusCode: http.StatusOK, Body: truncate(body), Err: errors.New("response has no session_token")}
	}
	return resp.SessionToken, nil
}

// GetICEServers fetches the TURN/STUN servers provisioned for apiKey
func (c *Client) GetICEServers(ctx context.Context, apiKey string) ([]ICEServer, error) {
	body, err := c.post(ctx, opGetICEServers, map[string]string{"apiKey": apiKey})
	if err != nil {
		return nil, err
	}

	var servers []ICEServer
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, &BootstrapError{Op: opGetICEServers, StatusCode: http.StatusOK, Body: truncate(body), Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if len(servers) == 0 {
		return nil, &BootstrapError{Op: opGetICEServers, StatusCode: http.StatusOK, Body: truncate(body), Err: errors.New("no ICE servers returned")}
	}
	c.logger.Debug("got ICE servers", "count", len(servers))
	return servers, nil
}

// post sends a JSON body to {base}/{op} and returns the 2xx response body
func (c *Client) post(ctx context.Context, op string, payload any) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &BootstrapError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &BootstrapError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &BootstrapError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BootstrapError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("simli request failed", "op", op, "status", resp.StatusCode)
		return nil, &BootstrapError{Op: op, StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}
	return respBody, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
