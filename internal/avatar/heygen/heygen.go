// Package heygen implements the avatar.Provider interface against the
// HeyGen streaming API.
//
// The API is a small RPC-over-POST surface: streaming.new provisions a
// session and returns the SDP offer plus a realtime signaling endpoint,
// streaming.task submits text for the avatar to voice, and streaming.stop
// tears the session down. Responses wrap payloads in a {code, message,
// data} envelope; non-success codes are mapped onto the avatar package's
// sentinel errors so the manager can tell a dead session from a hard
// failure.
package heygen

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

	"github.com/hospiq/careloop/internal/avatar"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.heygen.com"

// codeSuccess is the envelope code for a successful call.
const codeSuccess = 100

// ErrUnauthorized is returned when the API key is rejected.
var ErrUnauthorized = errors.New("heygen: unauthorized")

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used against test servers.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithAvatarID selects the rendered presenter.
func WithAvatarID(id string) Option {
	return func(c *Client) {
		c.avatarID = id
	}
}

// WithQuality selects the stream quality profile ("low", "medium", "high").
func WithQuality(q string) Option {
	return func(c *Client) {
		c.quality = q
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger. Default: slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// Client talks to the HeyGen streaming API. Safe for concurrent use.
type Client struct {
	apiKey   string
	baseURL  string
	avatarID string
	quality  string
	http     *http.Client
	log      *slog.Logger
}

var _ avatar.Provider = (*Client)(nil)

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("heygen: api key must not be empty")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		quality: "medium",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// envelope is the common {code, message, data} response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type iceServer struct {
	URLs []string `json:"urls"`
}

type newSessionData struct {
	SessionID string `json:"session_id"`
	SDP       struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp"`
	ICEServers       []iceServer `json:"ice_servers2"`
	RealtimeEndpoint string      `json:"realtime_endpoint"`
}

// CreateSession provisions a streaming session.
func (c *Client) CreateSession(ctx context.Context) (avatar.SessionInfo, error) {
	body := map[string]any{"quality": c.quality}
	if c.avatarID != "" {
		body["avatar_id"] = c.avatarID
	}

	data, err := c.call(ctx, "/v1/streaming.new", body)
	if err != nil {
		return avatar.SessionInfo{}, err
	}

	var d newSessionData
	if err := json.Unmarshal(data, &d); err != nil {
		return avatar.SessionInfo{}, fmt.Errorf("heygen: decode session data: %w", err)
	}
	if d.SessionID == "" || d.SDP.SDP == "" {
		return avatar.SessionInfo{}, errors.New("heygen: incomplete session data")
	}

	var ice []string
	for _, s := range d.ICEServers {
		ice = append(ice, s.URLs...)
	}
	return avatar.SessionInfo{
		SessionID:    d.SessionID,
		SDPOffer:     d.SDP.SDP,
		SignalingURL: d.RealtimeEndpoint,
		ICEServers:   ice,
	}, nil
}

// Speak submits text for the avatar to voice.
func (c *Client) Speak(ctx context.Context, sessionID, text string) error {
	_, err := c.call(ctx, "/v1/streaming.task", map[string]any{
		"session_id": sessionID,
		"text":       text,
		"task_type":  "repeat",
	})
	return err
}

// CloseSession stops the streaming session. A session the service no
// longer knows about counts as closed.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, "/v1/streaming.stop", map[string]any{
		"session_id": sessionID,
	})
	if errors.Is(err, avatar.ErrSessionClosed) {
		return nil
	}
	return err
}

// Ping probes API reachability for the readiness check. Auth errors do
// not fail it; only an unreachable or erroring service does.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/streaming.avatar.list", nil)
	if err != nil {
		return fmt.Errorf("heygen: ping: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("heygen: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("heygen: ping: status %d", resp.StatusCode)
	}
	return nil
}

// call POSTs body to path and unwraps the response envelope.
func (c *Client) call(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("heygen: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("heygen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("heygen: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("heygen: %s: read response: %w", path, err)
	}

	var env envelope
	// Error responses are not always enveloped; fall back to the HTTP
	// status when the body does not parse.
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("heygen: %s: %w", path, classify(resp.StatusCode, 0, ""))
		}
		return nil, fmt.Errorf("heygen: %s: decode response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK || (env.Code != 0 && env.Code != codeSuccess) {
		return nil, fmt.Errorf("heygen: %s: %w", path, classify(resp.StatusCode, env.Code, env.Message))
	}
	return env.Data, nil
}

// classify maps an API failure onto the avatar package's error taxonomy.
// The service is not consistent about codes across endpoints, so the
// message text is consulted as well.
func classify(status, code int, message string) error {
	msg := strings.ToLower(message)
	detail := func(fallback error) error {
		if message == "" {
			return fmt.Errorf("%w (status %d, code %d)", fallback, status, code)
		}
		return fmt.Errorf("%w (status %d, code %d): %s", fallback, status, code, message)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return detail(ErrUnauthorized)
	case status == http.StatusTooManyRequests,
		strings.Contains(msg, "concurrent"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "limit reached"):
		return detail(avatar.ErrQuotaExceeded)
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "closed"),
		strings.Contains(msg, "expired"),
		strings.Contains(msg, "not exist"):
		return detail(avatar.ErrSessionClosed)
	case strings.Contains(msg, "state"):
		return detail(avatar.ErrWrongState)
	default:
		return fmt.Errorf("request failed (status %d, code %d): %s", status, code, message)
	}
}
