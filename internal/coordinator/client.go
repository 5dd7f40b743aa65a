package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hospiq/careloop/internal/observe"
)

// ErrNotSuccessful is returned when the coordinator answers 200 but flags
// the operation as failed in the response body.
var ErrNotSuccessful = errors.New("coordinator: operation not successful")

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds each coordinator request. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client calls the coordinator's player endpoints. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observe.Metrics
}

// New creates a Client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("coordinator: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// envelope is the common response body shape for all player endpoints.
type envelope struct {
	Success     bool        `json:"success"`
	Switched    bool        `json:"switched"`
	PlayerState PlayerState `json:"playerState"`
	VideoURL    string      `json:"videoUrl"`
}

// InitPlayer initialises the player for a session and returns the
// server-assigned initial state.
func (c *Client) InitPlayer(ctx context.Context, sessionID, videoID string) (InitResult, error) {
	env, err := c.post(ctx, "init", "/video/player/init", map[string]string{
		"sessionId": sessionID,
		"videoId":   videoID,
	})
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{State: env.PlayerState, VideoURL: env.VideoURL}, nil
}

// SwitchHeygen asks the coordinator to move the session to live mode.
func (c *Client) SwitchHeygen(ctx context.Context, sessionID string) (SwitchResult, error) {
	env, err := c.post(ctx, "switch-heygen", "/video/player/switch-heygen", map[string]string{
		"sessionId": sessionID,
	})
	if err != nil {
		return SwitchResult{}, err
	}
	return SwitchResult{State: env.PlayerState}, nil
}

// SwitchLoop asks the coordinator to move the session to loop mode.
func (c *Client) SwitchLoop(ctx context.Context, sessionID string) (SwitchResult, error) {
	env, err := c.post(ctx, "switch-loop", "/video/player/switch-loop", map[string]string{
		"sessionId": sessionID,
	})
	if err != nil {
		return SwitchResult{}, err
	}
	return SwitchResult{State: env.PlayerState, VideoURL: env.VideoURL}, nil
}

// CheckInactivity asks the coordinator whether the session has been idle
// past its inactivity window, and whether it reverted the mode.
func (c *Client) CheckInactivity(ctx context.Context, sessionID string) (InactivityResult, error) {
	env, err := c.post(ctx, "check-inactivity", "/video/player/check-inactivity", map[string]string{
		"sessionId": sessionID,
	})
	if err != nil {
		return InactivityResult{}, err
	}
	return InactivityResult{Switched: env.Switched, State: env.PlayerState, VideoURL: env.VideoURL}, nil
}

// RecordInteraction reports user activity for the session. The response
// body is empty; the call is fire-and-forget from the player's point of
// view, but errors are still returned so the caller can log them.
func (c *Client) RecordInteraction(ctx context.Context, sessionID string) error {
	_, err := c.post(ctx, "interaction", "/video/player/interaction", map[string]string{
		"sessionId": sessionID,
	})
	return err
}

// Ping probes coordinator reachability for the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("coordinator: ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("coordinator: ping: status %d", resp.StatusCode)
	}
	return nil
}

// post sends a JSON body to path and decodes the response envelope.
// op labels the operation in metrics.
func (c *Client) post(ctx context.Context, op, path string, body any) (envelope, error) {
	start := time.Now()
	env, err := c.doPost(ctx, path, body)
	c.metrics.RecordCoordinatorCall(ctx, op, time.Since(start).Seconds(), err != nil)
	return env, err
}

func (c *Client) doPost(ctx context.Context, path string, body any) (envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return envelope{}, fmt.Errorf("coordinator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return envelope{}, fmt.Errorf("coordinator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("coordinator: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Success/failure branching only — status detail is not modelled.
		_, _ = io.Copy(io.Discard, resp.Body)
		return envelope{}, fmt.Errorf("coordinator: %s: status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("coordinator: %s: read response: %w", path, err)
	}

	// Fire-and-forget endpoints answer with an empty body or a bare {};
	// neither carries a success flag.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return envelope{Success: true}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return envelope{}, fmt.Errorf("coordinator: %s: decode response: %w", path, err)
	}
	if !env.Success {
		return envelope{}, fmt.Errorf("coordinator: %s: %w", path, ErrNotSuccessful)
	}
	return env, nil
}
