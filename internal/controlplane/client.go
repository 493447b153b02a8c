// Package controlplane implements the request client for the VirtFleet
// control plane: heartbeats, the long-polled command queue, and command
// outcome reports.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtfleet-io/vf-agent/internal/logging"
	"github.com/virtfleet-io/vf-agent/internal/protocol"
)

const (
	requestTimeout = 30 * time.Second

	// ServerPollTimeout is the long-poll hold the control plane advertises
	// for /commands/next. The client allows this plus headroom so a proxy
	// or TCP stall does not get misread as a network error.
	ServerPollTimeout = 25 * time.Second
	pollHeadroom      = 15 * time.Second
)

// Client talks to the control plane. Credentials are swappable at runtime
// via SetCredentials; everything else is immutable after construction.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	token   string

	httpClient *http.Client
	pollClient *http.Client
	log        *slog.Logger
}

// NewClient creates a control-plane client for the given base URL and
// bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		pollClient: &http.Client{Timeout: ServerPollTimeout + pollHeadroom},
		log:        logging.Component("control-plane"),
	}
}

// SetCredentials swaps the base URL and bearer token without rebuilding the
// client. Used when the agent is re-paired.
func (c *Client) SetCredentials(baseURL, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
}

// Heartbeat advertises liveness for the agent.
func (c *Client) Heartbeat(ctx context.Context, hb protocol.HeartbeatRequest) error {
	_, err := c.do(ctx, c.httpClient, http.MethodPost, "/api/v1/agents/heartbeat", hb)
	return err
}

// NextCommand long-polls the per-agent queue. A nil command with a nil
// error means the poll window elapsed with nothing queued.
func (c *Client) NextCommand(ctx context.Context, agentID string) (*protocol.QueuedCommand, error) {
	path := fmt.Sprintf("/api/v1/commands/next?agent_id=%s&timeout_ms=%d",
		url.QueryEscape(agentID), ServerPollTimeout.Milliseconds())

	data, err := c.do(ctx, c.pollClient, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var cmd protocol.QueuedCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, &APIError{Code: CodeParseError, Message: fmt.Sprintf("decode queued command: %v", err)}
	}
	return &cmd, nil
}

// Report sends a command status transition or terminal outcome.
func (c *Client) Report(ctx context.Context, commandID string, outcome protocol.CommandOutcome) error {
	path := "/api/v1/commands/" + url.PathEscape(commandID)
	_, err := c.do(ctx, c.httpClient, http.MethodPatch, path, outcome)
	return err
}

// envelope is the control plane's success/data-or-error response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body any) (json.RawMessage, error) {
	c.mu.RLock()
	base, token := c.baseURL, c.token
	c.mu.RUnlock()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Code: CodeBadRequest, Message: fmt.Sprintf("marshal request body: %v", err)}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return nil, &APIError{Code: CodeBadRequest, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return nil, &APIError{Code: CodeNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: CodeNetworkError, Message: fmt.Sprintf("read response body: %v", err), HTTPStatus: resp.StatusCode}
	}

	// Rate limiting and revocation are decided by HTTP status so they
	// survive a proxy stripping the envelope.
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, &APIError{Code: CodeRateLimited, Message: messageFrom(respBody, "too many requests"), HTTPStatus: resp.StatusCode}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &APIError{Code: CodeAgentRevoked, Message: messageFrom(respBody, "agent token rejected"), HTTPStatus: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &APIError{
			Code:       CodeParseError,
			Message:    fmt.Sprintf("malformed response body: %v", err),
			HTTPStatus: resp.StatusCode,
		}
	}

	if !env.Success {
		if env.Error == nil {
			// An error response without an error payload violates the
			// envelope contract.
			return nil, &APIError{Code: CodeParseError, Message: "error response carried no error payload", HTTPStatus: resp.StatusCode}
		}
		code := env.Error.Code
		if code == "" {
			code = CodeBadRequest
		}
		c.log.Debug("control plane rejected request", "method", method, "path", path, "code", code)
		return nil, &APIError{Code: code, Message: env.Error.Message, HTTPStatus: resp.StatusCode}
	}

	return env.Data, nil
}

// messageFrom pulls the envelope error message out of body when it parses,
// falling back to fallback for non-JSON bodies.
func messageFrom(body []byte, fallback string) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return fallback
}
